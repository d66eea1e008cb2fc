// Package types holds the identifier types and small shared interfaces used
// across the collaboration backend. Keeping them here lets the session, chat,
// and transport packages talk to each other without import cycles.
package types

import (
	"github.com/pairpad/pairpad/backend/go/internal/v1/auth"
)

// --- Core Domain Types ---

// DocIDType identifies a document (and its collaboration session).
type DocIDType string

// ConnIDType identifies a single WebSocket connection. One user may hold
// several connections, each with its own ConnID.
type ConnIDType string

// UserIDType identifies an authenticated subject.
type UserIDType string

// DisplayNameType is the human-readable name shown to other participants.
type DisplayNameType string

// AccessLevel is the effective permission of a user on a document.
type AccessLevel string

const (
	AccessNone AccessLevel = "none" // No access; connection is refused
	AccessView AccessLevel = "view" // May join and observe, never edit
	AccessEdit AccessLevel = "edit" // Full participation
)

// CanEdit reports whether the level permits mutating operations.
func (a AccessLevel) CanEdit() bool { return a == AccessEdit }

// CanJoin reports whether the level permits joining a session at all.
func (a AccessLevel) CanJoin() bool { return a == AccessView || a == AccessEdit }

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
// In production this is implemented by auth.Validator; tests substitute mocks.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientInterface is the behavior a session or chat room needs from a
// connected WebSocket client. The transport package provides the real
// implementation; actors never touch the socket directly.
type ClientInterface interface {
	ConnID() ConnIDType
	UserID() UserIDType
	DisplayName() DisplayNameType
	Access() AccessLevel

	// Enqueue places an already-encoded frame on the client's outbound
	// queue without blocking. It returns false when the queue is full,
	// which marks the client as a slow consumer.
	Enqueue(frame []byte) bool

	// CloseWithCode sends a WebSocket close frame and tears the
	// connection down. Safe to call more than once.
	CloseWithCode(code int, reason string)
}
