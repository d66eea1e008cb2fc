package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
)

// failingAdapter wraps Memory with switchable ping failures.
type failingAdapter struct {
	*store.Memory
	pingErr  error
	cacheErr error
}

func (f *failingAdapter) Ping(context.Context) error      { return f.pingErr }
func (f *failingAdapter) PingCache(context.Context) error { return f.cacheErr }

type stubCounter int

func (s stubCounter) SessionCount() int { return int(s) }

func perform(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, ReadinessResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	handler(c)

	var body ReadinessResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHandler(store.NewMemory(), nil)
	w, _ := perform(t, h.Liveness)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessHealthy(t *testing.T) {
	h := NewHandler(store.NewMemory(), stubCounter(3))
	w, body := perform(t, h.Readiness)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["database"])
	assert.Equal(t, 3, body.Sessions)
}

func TestReadinessDatabaseDown(t *testing.T) {
	h := NewHandler(&failingAdapter{Memory: store.NewMemory(), pingErr: errors.New("down")}, nil)
	w, body := perform(t, h.Readiness)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["database"])
}

func TestReadinessCacheDegradedStaysReady(t *testing.T) {
	h := NewHandler(&failingAdapter{Memory: store.NewMemory(), cacheErr: errors.New("redis down")}, nil)
	w, body := perform(t, h.Readiness)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "degraded", body.Checks["cache"])
}
