package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/pairpad/pairpad/backend/go/internal/v1/auth"
)

var errConnClosed = errors.New("mock connection closed")

type inboundMsg struct {
	messageType int
	data        []byte
}

// mockConn scripts the read side of a WebSocket and records the write side.
type mockConn struct {
	inbound chan inboundMsg

	mu        sync.Mutex
	writes    []inboundMsg
	closed    bool
	readLimit int64

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan inboundMsg, 32),
		closeCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.inbound:
		return msg.messageType, msg.data, nil
	case <-m.closeCh:
		return 0, nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, inboundMsg{messageType: messageType, data: cp})
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) SetReadLimit(limit int64) {
	m.mu.Lock()
	m.readLimit = limit
	m.mu.Unlock()
}

func (m *mockConn) getReadLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLimit
}

// push scripts an inbound text frame.
func (m *mockConn) push(data []byte) {
	m.inbound <- inboundMsg{messageType: websocket.TextMessage, data: data}
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// textFrames returns all written text frames.
func (m *mockConn) textFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, w := range m.writes {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

// closeFrame returns the code and reason of the last written close frame.
func (m *mockConn) closeFrame() (int, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.writes) - 1; i >= 0; i-- {
		w := m.writes[i]
		if w.messageType != websocket.CloseMessage || len(w.data) < 2 {
			continue
		}
		code := int(binary.BigEndian.Uint16(w.data[:2]))
		return code, string(w.data[2:]), true
	}
	return 0, "", false
}

// stubValidator maps tokens to claims; unknown tokens fail.
type stubValidator struct {
	users map[string]*auth.CustomClaims
}

func newStubValidator() *stubValidator {
	return &stubValidator{users: make(map[string]*auth.CustomClaims)}
}

func (v *stubValidator) allow(token, subject, name string) {
	v.users[token] = &auth.CustomClaims{
		Name:             name,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
}

func (v *stubValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if claims, ok := v.users[tokenString]; ok {
		return claims, nil
	}
	return nil, fmt.Errorf("unknown token")
}
