// Package wire defines the WebSocket message contract between the editor
// client and the collaboration backend. Every frame is a single JSON object
// with a "type" discriminator. The set of types is closed: the codec decodes
// inbound frames into a tagged union, and outbound frames are built through
// typed constructors so nothing ad hoc reaches the socket.
package wire

// MessageType discriminates wire frames.
type MessageType string

// Client → server.
const (
	TypePing       MessageType = "ping"
	TypeOp         MessageType = "op"
	TypeCursor     MessageType = "cursor"
	TypeSelection  MessageType = "selection"
	TypeLanguage   MessageType = "language"
	TypeChatSend   MessageType = "chat.send"
	TypeChatReact  MessageType = "chat.react"
	TypeChatTyping MessageType = "chat.typing"
)

// Server → client.
const (
	TypeDocumentState   MessageType = "document-state"
	TypeAck             MessageType = "ack"
	TypeRemoteOp        MessageType = "remote-op"
	TypeCursorMove      MessageType = "cursor-move"
	TypeSelectionChange MessageType = "selection-change"
	TypeUserJoined      MessageType = "user-joined"
	TypeUserLeft        MessageType = "user-left"
	TypeLanguageChange  MessageType = "language-change"
	TypePresence        MessageType = "presence"
	TypeChatMessage     MessageType = "chat.message"
	TypeChatHistory     MessageType = "chat.history"
	TypeChatReaction    MessageType = "chat.reaction"
	TypeChatTypingEvent MessageType = "chat.typing"
	TypeError           MessageType = "error"
	TypePong            MessageType = "pong"
)

// Error codes carried in Error frames.
const (
	ErrCodeInvalidOp   = "invalid_op"
	ErrCodeFutureOp    = "future_op"
	ErrCodeReadOnly    = "read_only"
	ErrCodeTooLong     = "too_long"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeNotMember   = "not_member"
	ErrCodeUnavailable = "unavailable"
	ErrCodeBadFrame    = "bad_frame"
	ErrCodeInternal    = "internal"
)

// WebSocket close codes used by the backend.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008 // "auth" / "forbidden"
	CloseTooLarge        = 1009 // frame above the transport read limit
	CloseInternal        = 1011 // "internal" / "slow_consumer"
	CloseUnavailable     = 4001 // session draining
)

// Close reasons.
const (
	ReasonAuth         = "auth"
	ReasonForbidden    = "forbidden"
	ReasonInternal     = "internal"
	ReasonSlowConsumer = "slow_consumer"
	ReasonGoingAway    = "going_away"
	ReasonUnavailable  = "unavailable"
	ReasonBadFrames    = "bad_frames"
)

// Position is an editor coordinate. The server treats it as opaque presence
// data; only OT offsets are interpreted.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a selection span in editor coordinates.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// UserInfo describes a session member on the wire.
type UserInfo struct {
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Cursor      *Position `json:"cursor,omitempty"`
	Selection   *Range    `json:"selection,omitempty"`
	Away        bool      `json:"away,omitempty"`
}

// --- Inbound frames (client → server) ---

// Inbound is the closed union of client frames.
type Inbound interface {
	inbound()
	MsgType() MessageType
}

type Ping struct{}

// OpFrame carries a client edit operation.
type OpFrame struct {
	Kind        string `json:"kind"` // insert | delete | retain
	Position    int    `json:"position"`
	Text        string `json:"text,omitempty"`
	Length      int    `json:"length,omitempty"`
	BaseVersion int    `json:"baseVersion"`
	ClientOpID  string `json:"clientOpId,omitempty"`
}

type CursorFrame struct {
	Position Position `json:"position"`
}

type SelectionFrame struct {
	Range Range `json:"range"`
}

type LanguageFrame struct {
	Language string `json:"language"`
}

type ChatSendFrame struct {
	Content       string   `json:"content"`
	Mentions      []string `json:"mentions,omitempty"`
	IsCodeSnippet bool     `json:"isCodeSnippet,omitempty"`
	CodeLanguage  string   `json:"codeLanguage,omitempty"`
	ClientID      string   `json:"clientId,omitempty"`
}

type ChatReactFrame struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ChatTypingFrame struct {
	IsTyping bool `json:"isTyping"`
}

func (Ping) inbound()            {}
func (OpFrame) inbound()         {}
func (CursorFrame) inbound()     {}
func (SelectionFrame) inbound()  {}
func (LanguageFrame) inbound()   {}
func (ChatSendFrame) inbound()   {}
func (ChatReactFrame) inbound()  {}
func (ChatTypingFrame) inbound() {}

func (Ping) MsgType() MessageType            { return TypePing }
func (OpFrame) MsgType() MessageType         { return TypeOp }
func (CursorFrame) MsgType() MessageType     { return TypeCursor }
func (SelectionFrame) MsgType() MessageType  { return TypeSelection }
func (LanguageFrame) MsgType() MessageType   { return TypeLanguage }
func (ChatSendFrame) MsgType() MessageType   { return TypeChatSend }
func (ChatReactFrame) MsgType() MessageType  { return TypeChatReact }
func (ChatTypingFrame) MsgType() MessageType { return TypeChatTyping }

// --- Outbound frames (server → client) ---

// DocumentState is the join snapshot.
type DocumentState struct {
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	Version    int         `json:"version"`
	Language   string      `json:"language"`
	Users      []UserInfo  `json:"users"`
	YourColor  string      `json:"yourColor"`
	YourConnID string      `json:"yourConnId"`
}

// Ack acknowledges an accepted client operation.
type Ack struct {
	Type          MessageType `json:"type"`
	ClientOpID    string      `json:"clientOpId,omitempty"`
	ServerVersion int         `json:"serverVersion"`
}

// RemoteOp is a transformed operation broadcast to other members.
type RemoteOp struct {
	Type     MessageType `json:"type"`
	Kind     string      `json:"kind"`
	Position int         `json:"position"`
	Text     string      `json:"text,omitempty"`
	Length   int         `json:"length,omitempty"`
	Version  int         `json:"version"`
	UserID   string      `json:"userId"`
}

type CursorMove struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	ConnID   string      `json:"connId"`
	Position Position    `json:"position"`
}

type SelectionChange struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
	ConnID string      `json:"connId"`
	Range  Range       `json:"range"`
}

type UserJoined struct {
	Type MessageType `json:"type"`
	User UserInfo    `json:"user"`
}

type UserLeft struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
	ConnID string      `json:"connId"`
}

// Presence flags a member as away (or active again) without removing them.
type Presence struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
	ConnID string      `json:"connId"`
	Away   bool        `json:"away"`
}

type LanguageChange struct {
	Type     MessageType `json:"type"`
	Language string      `json:"language"`
	UserID   string      `json:"userId"`
}

// ChatMessage is a chat message broadcast, echoing the client id for
// optimistic-update reconciliation.
type ChatMessage struct {
	Type          MessageType `json:"type"`
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	DisplayName   string      `json:"displayName"`
	Content       string      `json:"content"`
	Timestamp     int64       `json:"timestamp"`
	IsCodeSnippet bool        `json:"isCodeSnippet,omitempty"`
	CodeLanguage  string      `json:"codeLanguage,omitempty"`
	Mentions      []string    `json:"mentions,omitempty"`
	// Reactions maps emoji to the user ids that reacted; populated in
	// history replays only, live toggles arrive as ChatReaction frames.
	Reactions map[string][]string `json:"reactions,omitempty"`
	ClientID  string              `json:"clientId,omitempty"`
}

// ChatHistory replays recent messages to a joining member.
type ChatHistory struct {
	Type        MessageType   `json:"type"`
	Messages    []ChatMessage `json:"messages"`
	UnreadCount int           `json:"unreadCount"`
}

// ChatReaction reports a reaction toggle result.
type ChatReaction struct {
	Type      MessageType `json:"type"`
	MessageID string      `json:"messageId"`
	Emoji     string      `json:"emoji"`
	UserID    string      `json:"userId"`
	Added     bool        `json:"added"`
}

type ChatTyping struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	IsTyping bool        `json:"isTyping"`
}

// ErrorFrame reports protocol and semantic errors without closing the
// connection.
type ErrorFrame struct {
	Type       MessageType `json:"type"`
	Code       string      `json:"code"`
	Message    string      `json:"message,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"` // seconds
}

type Pong struct {
	Type MessageType `json:"type"`
}
