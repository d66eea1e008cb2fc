package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/chat"
	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/metrics"
	"github.com/pairpad/pairpad/backend/go/internal/v1/session"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

const (
	writeWait = 10 * time.Second

	// maxFrameSize caps inbound frame bytes; the websocket library closes
	// oversized readers with 1009.
	maxFrameSize = 1 << 20

	// Malformed-frame strikes before the connection is dropped.
	maxBadFrames   = 10
	badFrameWindow = time.Minute
)

// Client is one WebSocket connection bridged into a document session and its
// chat room. It implements types.ClientInterface: the session and chat actors
// only ever see Enqueue and CloseWithCode, never the socket.
type Client struct {
	conn wsConnection

	connID      types.ConnIDType
	userID      types.UserIDType
	displayName types.DisplayNameType
	access      types.AccessLevel

	session *session.Session
	room    *chat.Room

	readIdleTimeout time.Duration

	send chan []byte

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	strikes     int
	strikeReset time.Time
}

func (c *Client) ConnID() types.ConnIDType           { return c.connID }
func (c *Client) UserID() types.UserIDType           { return c.userID }
func (c *Client) DisplayName() types.DisplayNameType { return c.displayName }
func (c *Client) Access() types.AccessLevel          { return c.access }

// Enqueue places an encoded frame on the outbound queue without blocking.
// A full queue returns false, which the session treats as a slow consumer.
// Frames for a closed client are silently dropped.
func (c *Client) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// CloseWithCode records the close code and shuts the outbound queue. The
// writePump drains whatever is buffered, sends the close frame, and closes
// the socket. Safe to call more than once.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	c.mu.Unlock()
}

// strike counts a malformed frame and reports whether the connection has
// exhausted its budget for the current window.
func (c *Client) strike() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.strikeReset) {
		c.strikes = 0
		c.strikeReset = now.Add(badFrameWindow)
	}
	c.strikes++
	return c.strikes > maxBadFrames
}

// readPump reads frames off the socket until it errors, routing each decoded
// message to the session or chat room. It owns connection teardown on the
// read side: on exit the client leaves both actors.
func (c *Client) readPump() {
	defer func() {
		if c.session != nil {
			c.session.Leave(c.connID)
		}
		if c.room != nil {
			c.room.Leave(c.connID)
		}
		c.CloseWithCode(websocket.CloseNormalClosure, "")
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readIdleTimeout))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.route(data) {
			return
		}
	}
}

// route dispatches one inbound frame. Returns false when the read loop should
// stop (bad-frame budget exhausted).
func (c *Client) route(data []byte) bool {
	msg, err := wire.Decode(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("unknown", "bad_frame").Inc()
		if c.strike() {
			logging.Warn(context.Background(), "Dropping connection after repeated malformed frames",
				zap.String("conn_id", string(c.connID)), zap.String("user_id", string(c.userID)))
			c.CloseWithCode(wire.ClosePolicyViolation, wire.ReasonBadFrames)
			return false
		}
		c.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeBadFrame, "malformed frame")))
		return true
	}

	ctx := context.Background()
	switch f := msg.(type) {
	case wire.Ping:
		c.Enqueue(wire.MustEncode(wire.NewPong()))
	case wire.OpFrame:
		c.session.HandleOp(c.connID, f)
	case wire.CursorFrame:
		c.session.HandleCursor(c.connID, f.Position)
	case wire.SelectionFrame:
		c.session.HandleSelection(c.connID, f.Range)
	case wire.LanguageFrame:
		c.session.HandleLanguage(c.connID, f.Language)
	case wire.ChatSendFrame:
		c.room.HandleSend(ctx, c, f)
	case wire.ChatReactFrame:
		c.room.HandleReact(ctx, c, f)
	case wire.ChatTypingFrame:
		c.room.HandleTyping(ctx, c, f)
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.MsgType()), "ok").Inc()
	return true
}

// writePump is the only goroutine that writes to the socket. It drains the
// send channel and, once the channel closes, delivers the recorded close
// frame before closing the connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "Write failed, dropping connection",
				zap.String("conn_id", string(c.connID)), zap.Error(err))
			return
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
