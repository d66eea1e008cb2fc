package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/pairpad/backend/go/internal/v1/config"
)

func newTestLimiter(t *testing.T, ipRate, userRate string) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   ipRate,
		RateLimitWsUser: userRate,
	}, nil)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiterRejectsBadRates(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   "not-a-rate",
		RateLimitWsUser: "30-M",
	}, nil)
	assert.Error(t, err)

	_, err = NewRateLimiter(&config.Config{
		RateLimitWsIP:   "100-M",
		RateLimitWsUser: "bogus",
	}, nil)
	assert.Error(t, err)
}

func TestCheckWebSocketIPLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "2-M", "100-M")

	allowed := 0
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/doc-1", nil)
		c.Request.RemoteAddr = "203.0.113.9:1234"
		if rl.CheckWebSocket(c) {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Retry-After"))
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestCheckWebSocketUserLimit(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "2-M")
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "alice"))

	// Other users keep their own budget.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "bob"))
}

func TestStoreIsShared(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "100-M")
	assert.NotNil(t, rl.Store())
}
