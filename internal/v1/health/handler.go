// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
)

// CachePinger is implemented by adapters with a cache tier (store.Cached).
type CachePinger interface {
	PingCache(ctx context.Context) error
}

// SessionCounter reports how many document sessions are live.
type SessionCounter interface {
	SessionCount() int
}

// Handler manages the health check endpoints.
type Handler struct {
	adapter  store.Adapter
	sessions SessionCounter
}

// NewHandler creates a health check handler over the persistence adapter.
func NewHandler(adapter store.Adapter, sessions SessionCounter) *Handler {
	return &Handler{adapter: adapter, sessions: sessions}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Sessions  int               `json:"sessions"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. The database is the only hard
// dependency; a dead cache degrades readiness output without failing it,
// since the store falls through to Postgres.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if err := h.adapter.Ping(ctx); err != nil {
		logging.Error(ctx, "Database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		ready = false
	} else {
		checks["database"] = "healthy"
	}

	if cp, ok := h.adapter.(CachePinger); ok {
		if err := cp.PingCache(ctx); err != nil {
			logging.Warn(ctx, "Cache health check failed", zap.Error(err))
			checks["cache"] = "degraded"
		} else {
			checks["cache"] = "healthy"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.SessionCount()
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Sessions:  sessions,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
