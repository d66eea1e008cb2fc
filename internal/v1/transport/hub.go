package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/chat"
	"github.com/pairpad/pairpad/backend/go/internal/v1/config"
	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/metrics"
	"github.com/pairpad/pairpad/backend/go/internal/v1/ratelimit"
	"github.com/pairpad/pairpad/backend/go/internal/v1/session"
	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

// Hub is the central registry of live document sessions. It owns the
// WebSocket upgrade path and the session lifecycle: creation on first join,
// grace-period cleanup after the last leave, forced drain on shutdown.
type Hub struct {
	cfg         *config.Config
	validator   types.TokenValidator
	adapter     store.Adapter
	chat        *chat.Service
	rateLimiter *ratelimit.RateLimiter

	mu              sync.Mutex
	sessions        map[types.DocIDType]*session.Session
	pendingCleanups map[types.DocIDType]*time.Timer
}

// NewHub wires the hub with its dependencies.
func NewHub(cfg *config.Config, validator types.TokenValidator, adapter store.Adapter, chatSvc *chat.Service, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		cfg:             cfg,
		validator:       validator,
		adapter:         adapter,
		chat:            chatSvc,
		rateLimiter:     rateLimiter,
		sessions:        make(map[types.DocIDType]*session.Session),
		pendingCleanups: make(map[types.DocIDType]*time.Timer),
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection. Rate limiting and origin checks happen before the upgrade with
// HTTP status codes; authentication and authorization happen after it so the
// client receives a proper close code.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	tokenResult, err := extractToken(c)
	if err != nil {
		c.JSON(401, gin.H{"error": "token not provided"})
		return
	}

	allowedOrigins := h.allowedOrigins()
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(403, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, tokenResult.Token)
}

// HandleConnection takes an established WebSocket connection through
// authentication, access resolution, and session join.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, token string) {
	ctx := c.Request.Context()
	docID := types.DocIDType(c.Param("docId"))

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "Token validation failed",
			zap.String("doc_id", string(docID)), zap.Error(err))
		closeConn(conn, wire.ClosePolicyViolation, wire.ReasonAuth)
		return
	}
	userID := types.UserIDType(claims.Subject)

	if err := h.rateLimiter.CheckWebSocketUser(ctx, claims.Subject); err != nil {
		closeConn(conn, wire.ClosePolicyViolation, "rate_limited")
		return
	}

	access, err := h.adapter.ResolveAccess(ctx, docID, userID)
	if err != nil {
		logging.Error(ctx, "Access resolution failed",
			zap.String("doc_id", string(docID)), zap.String("user_id", string(userID)), zap.Error(err))
		closeConn(conn, wire.CloseInternal, wire.ReasonInternal)
		return
	}
	if !access.CanJoin() {
		closeConn(conn, wire.ClosePolicyViolation, wire.ReasonForbidden)
		return
	}

	sess, err := h.getOrCreateSession(ctx, docID)
	if err != nil {
		// 4001 is reserved for draining sessions; a load failure is a server
		// fault.
		logging.Error(ctx, "Session load failed",
			zap.String("doc_id", string(docID)), zap.Error(err))
		closeConn(conn, wire.CloseInternal, wire.ReasonInternal)
		return
	}

	client := &Client{
		conn:            conn,
		connID:          types.ConnIDType(uuid.NewString()),
		userID:          userID,
		displayName:     types.DisplayNameType(claims.DisplayName()),
		access:          access,
		session:         sess,
		room:            h.chat.DocRoom(docID),
		readIdleTimeout: h.cfg.ReadIdleTimeout,
		send:            make(chan []byte, h.cfg.OutboundQueueMax),
	}

	metrics.IncConnection()
	go client.writePump()

	if !sess.Join(client) {
		// The session unloaded between lookup and join; the client already
		// got the unavailable close frame.
		metrics.DecConnection()
		return
	}
	client.room.Join(client)

	go client.readPump()

	logging.Info(ctx, "Connection established",
		zap.String("doc_id", string(docID)),
		zap.String("conn_id", string(client.connID)),
		zap.String("user_id", string(userID)),
		zap.String("access", string(access)))
}

// getOrCreateSession returns the live session for a document, loading it from
// the store on first join. A pending cleanup is cancelled by a reconnection.
func (h *Hub) getOrCreateSession(ctx context.Context, docID types.DocIDType) (*session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[docID]; ok {
		if timer, pending := h.pendingCleanups[docID]; pending {
			timer.Stop()
			delete(h.pendingCleanups, docID)
		}
		return s, nil
	}

	s, err := session.New(ctx, docID, h.adapter, session.Config{
		SnapshotInterval:    h.cfg.SnapshotInterval,
		SnapshotOpThreshold: h.cfg.SnapshotOpThreshold,
		OpBufferSize:        h.cfg.OpBufferSize,
		PresenceTimeout:     h.cfg.PresenceTimeout,
	}, session.Hooks{
		OnEmpty:    h.scheduleCleanup,
		OnUnloaded: h.dropSession,
	})
	if err != nil {
		return nil, err
	}
	h.sessions[docID] = s
	return s, nil
}

// scheduleCleanup arms the grace-period timer for an empty session. Called
// from the session dispatcher when the last member leaves.
func (h *Hub) scheduleCleanup(docID types.DocIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.pendingCleanups[docID]; ok {
		timer.Stop()
	}
	h.pendingCleanups[docID] = time.AfterFunc(h.cfg.GracePeriod, func() {
		h.reapSession(docID)
	})
}

// reapSession drains a session whose grace period expired. The drain refuses
// itself if members reconnected in the meantime.
func (h *Hub) reapSession(docID types.DocIDType) {
	h.mu.Lock()
	delete(h.pendingCleanups, docID)
	s, ok := h.sessions[docID]
	h.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.Drain(ctx, false) {
		h.mu.Lock()
		delete(h.sessions, docID)
		h.mu.Unlock()
		h.chat.ReleaseIfEmpty("doc:" + string(docID))
		logging.Info(ctx, "Session reaped after grace period", zap.String("doc_id", string(docID)))
		return
	}

	// Either members came back, or the final save failed. If the session is
	// still empty, re-arm the timer so a persistent store outage cannot leak
	// the session forever.
	if r, ok := s.Inspect(); ok && len(r.Members) == 0 {
		h.scheduleCleanup(docID)
	}
}

// dropSession removes a session that unloaded on its own (dispatcher panic).
// The next join rebuilds it from the snapshot and op log.
func (h *Hub) dropSession(docID types.DocIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, docID)
	if timer, ok := h.pendingCleanups[docID]; ok {
		timer.Stop()
		delete(h.pendingCleanups, docID)
	}
}

// SessionCount reports the number of live sessions (for health reporting).
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown force-drains every session: members get a 1001 close, pending
// state is flushed, and the chat registry is torn down.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub, draining all sessions")

	h.mu.Lock()
	for docID, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, docID)
	}
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[types.DocIDType]*session.Session)
	h.mu.Unlock()

	for _, s := range sessions {
		if !s.Drain(ctx, true) {
			logging.Error(ctx, "Session drain timed out",
				zap.String("doc_id", string(s.DocID())))
		}
	}
	h.chat.Shutdown()

	logging.Info(ctx, "All sessions drained", zap.Int("count", len(sessions)))
	return nil
}

// closeConn sends a close frame on a connection that never became a Client.
func closeConn(conn wsConnection, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
