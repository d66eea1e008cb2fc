package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBadFrame    = errors.New("wire: malformed frame")
	ErrUnknownType = errors.New("wire: unknown message type")
)

// envelope peels the discriminator off an inbound frame before the concrete
// decode.
type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses a raw client frame into its concrete Inbound value. Unknown
// types and malformed JSON surface as distinct errors for logging and tests;
// the read loop counts both against the bad-frame budget.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeOp:
		var f OpFrame
		return decodeInto(raw, &f)
	case TypeCursor:
		var f CursorFrame
		return decodeInto(raw, &f)
	case TypeSelection:
		var f SelectionFrame
		return decodeInto(raw, &f)
	case TypeLanguage:
		var f LanguageFrame
		return decodeInto(raw, &f)
	case TypeChatSend:
		var f ChatSendFrame
		return decodeInto(raw, &f)
	case TypeChatReact:
		var f ChatReactFrame
		return decodeInto(raw, &f)
	case TypeChatTyping:
		var f ChatTypingFrame
		return decodeInto(raw, &f)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrBadFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeInto[T Inbound](raw []byte, f *T) (Inbound, error) {
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return *f, nil
}

// Encode marshals an outbound frame. Frames are plain structs with their Type
// field set by the constructors below; Encode exists so callers never touch
// encoding/json directly.
func Encode(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", frame, err)
	}
	return b, nil
}

// --- Outbound constructors ---

func NewDocumentState(content string, version int, language string, users []UserInfo, yourColor, yourConnID string) DocumentState {
	if users == nil {
		users = []UserInfo{}
	}
	return DocumentState{
		Type:       TypeDocumentState,
		Content:    content,
		Version:    version,
		Language:   language,
		Users:      users,
		YourColor:  yourColor,
		YourConnID: yourConnID,
	}
}

func NewAck(clientOpID string, serverVersion int) Ack {
	return Ack{Type: TypeAck, ClientOpID: clientOpID, ServerVersion: serverVersion}
}

func NewRemoteOp(kind string, position int, text string, length, version int, userID string) RemoteOp {
	return RemoteOp{
		Type:     TypeRemoteOp,
		Kind:     kind,
		Position: position,
		Text:     text,
		Length:   length,
		Version:  version,
		UserID:   userID,
	}
}

func NewCursorMove(userID, connID string, pos Position) CursorMove {
	return CursorMove{Type: TypeCursorMove, UserID: userID, ConnID: connID, Position: pos}
}

func NewSelectionChange(userID, connID string, r Range) SelectionChange {
	return SelectionChange{Type: TypeSelectionChange, UserID: userID, ConnID: connID, Range: r}
}

func NewUserJoined(user UserInfo) UserJoined {
	return UserJoined{Type: TypeUserJoined, User: user}
}

func NewUserLeft(userID, connID string) UserLeft {
	return UserLeft{Type: TypeUserLeft, UserID: userID, ConnID: connID}
}

func NewPresence(userID, connID string, away bool) Presence {
	return Presence{Type: TypePresence, UserID: userID, ConnID: connID, Away: away}
}

func NewLanguageChange(language, userID string) LanguageChange {
	return LanguageChange{Type: TypeLanguageChange, Language: language, UserID: userID}
}

func NewChatHistory(messages []ChatMessage, unreadCount int) ChatHistory {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return ChatHistory{Type: TypeChatHistory, Messages: messages, UnreadCount: unreadCount}
}

func NewChatReaction(messageID, emoji, userID string, added bool) ChatReaction {
	return ChatReaction{Type: TypeChatReaction, MessageID: messageID, Emoji: emoji, UserID: userID, Added: added}
}

func NewChatTyping(userID string, isTyping bool) ChatTyping {
	return ChatTyping{Type: TypeChatTypingEvent, UserID: userID, IsTyping: isTyping}
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

func NewRateLimited(message string, retryAfter int) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: ErrCodeRateLimited, Message: message, RetryAfter: retryAfter}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// MustEncode marshals a frame and panics on failure. Outbound frames are
// closed structs that cannot fail to marshal; a panic here is a programming
// error, not an input error.
func MustEncode(frame any) []byte {
	b, err := Encode(frame)
	if err != nil {
		panic(err)
	}
	return b
}
