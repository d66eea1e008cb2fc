// Package chat implements the chat rooms that run alongside document
// sessions. Chat state is independent of document state: a room keeps its own
// member list, message history, reactions, and typing indicators, and a chat
// outage never blocks the editing path.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/metrics"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

const (
	// MaxMessageLength is the content ceiling in characters.
	MaxMessageLength = 5000
	// MaxDistinctEmojis caps distinct reaction emojis per message.
	MaxDistinctEmojis = 20
	// TypingExpiry is how long a typing indicator lives without a refresh.
	TypingExpiry = 5 * time.Second
)

// Message is one chat history entry.
type Message struct {
	ID            string
	UserID        types.UserIDType
	DisplayName   types.DisplayNameType
	Content       string
	Timestamp     time.Time
	IsCodeSnippet bool
	CodeLanguage  string
	Mentions      []string
	Reactions     map[string]set.Set[string] // emoji -> reacting user ids
	ClientID      string
}

// RoomConfig tunes a room. Zero values fall back to defaults.
type RoomConfig struct {
	HistorySize  int
	SendRate     limiter.Rate // per user
	ReactionRate limiter.Rate // per user
}

func (c RoomConfig) withDefaults() RoomConfig {
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.SendRate.Limit == 0 {
		c.SendRate = limiter.Rate{Period: time.Minute, Limit: 10}
	}
	if c.ReactionRate.Limit == 0 {
		c.ReactionRate = limiter.Rate{Period: time.Minute, Limit: 30}
	}
	return c
}

// Room is a single chat room. All state is guarded by mu; handler methods are
// safe to call from any connection goroutine.
type Room struct {
	ID string

	mu       sync.Mutex
	members  map[types.ConnIDType]types.ClientInterface
	history  []*Message
	byID     map[string]*Message
	total    int                      // messages ever accepted
	lastSeen map[types.UserIDType]int // total at the user's last presence
	typing   map[types.UserIDType]*time.Timer

	cfg          RoomConfig
	sendLimiter  *limiter.Limiter
	reactLimiter *limiter.Limiter
}

// NewRoom creates a room backed by the given limiter store.
func NewRoom(id string, cfg RoomConfig, store limiter.Store) *Room {
	cfg = cfg.withDefaults()
	return &Room{
		ID:           id,
		members:      make(map[types.ConnIDType]types.ClientInterface),
		byID:         make(map[string]*Message),
		lastSeen:     make(map[types.UserIDType]int),
		typing:       make(map[types.UserIDType]*time.Timer),
		cfg:          cfg,
		sendLimiter:  limiter.New(store, cfg.SendRate),
		reactLimiter: limiter.New(store, cfg.ReactionRate),
	}
}

// Join adds a member and replays history with the member's unread count.
func (r *Room) Join(client types.ClientInterface) {
	r.mu.Lock()
	r.members[client.ConnID()] = client
	unread := r.total - r.lastSeen[client.UserID()]
	if unread < 0 {
		unread = 0
	}
	if unread > len(r.history) {
		// Older unread messages already fell off the ring.
		unread = len(r.history)
	}
	r.lastSeen[client.UserID()] = r.total
	replay := make([]wire.ChatMessage, 0, len(r.history))
	for _, m := range r.history {
		replay = append(replay, r.toWireLocked(m))
	}
	r.mu.Unlock()

	client.Enqueue(wire.MustEncode(wire.NewChatHistory(replay, unread)))
}

// Leave removes a member and records their read position for unread counts on
// the next join.
func (r *Room) Leave(connID types.ConnIDType) {
	r.mu.Lock()
	client, ok := r.members[connID]
	if ok {
		delete(r.members, connID)
		r.lastSeen[client.UserID()] = r.total
		if t, typing := r.typing[client.UserID()]; typing {
			t.Stop()
			delete(r.typing, client.UserID())
		}
	}
	r.mu.Unlock()
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Close stops outstanding typing timers.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, t := range r.typing {
		t.Stop()
		delete(r.typing, uid)
	}
}

// HandleSend validates, stores, and broadcasts a chat message.
func (r *Room) HandleSend(ctx context.Context, client types.ClientInterface, frame wire.ChatSendFrame) {
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		return
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeTooLong, "message exceeds 5000 characters")))
		return
	}
	if retry, limited := r.limited(ctx, r.sendLimiter, client, "send"); limited {
		client.Enqueue(wire.MustEncode(wire.NewRateLimited("too many messages", retry)))
		return
	}

	msg := &Message{
		ID:            uuid.NewString(),
		UserID:        client.UserID(),
		DisplayName:   client.DisplayName(),
		Content:       content,
		Timestamp:     time.Now(),
		IsCodeSnippet: frame.IsCodeSnippet,
		CodeLanguage:  frame.CodeLanguage,
		ClientID:      frame.ClientID,
	}

	r.mu.Lock()
	msg.Mentions = r.filterMentionsLocked(frame.Mentions)
	r.history = append(r.history, msg)
	if len(r.history) > r.cfg.HistorySize {
		dropped := r.history[0]
		delete(r.byID, dropped.ID)
		r.history = r.history[1:]
	}
	r.byID[msg.ID] = msg
	r.total++
	// The sender has obviously read their own message.
	r.lastSeen[client.UserID()] = r.total
	frameBytes := wire.MustEncode(r.toWireLocked(msg))
	r.broadcastLocked(frameBytes)
	r.mu.Unlock()

	metrics.ChatMessages.WithLabelValues(r.ID).Inc()
}

// HandleReact toggles a reaction on a stored message.
func (r *Room) HandleReact(ctx context.Context, client types.ClientInterface, frame wire.ChatReactFrame) {
	if frame.Emoji == "" || frame.MessageID == "" {
		client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeInvalidOp, "reaction needs a message id and an emoji")))
		return
	}
	if retry, limited := r.limited(ctx, r.reactLimiter, client, "react"); limited {
		client.Enqueue(wire.MustEncode(wire.NewRateLimited("too many reactions", retry)))
		return
	}

	r.mu.Lock()
	msg, ok := r.byID[frame.MessageID]
	if !ok {
		r.mu.Unlock()
		client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeInvalidOp, "unknown message")))
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]set.Set[string])
	}
	users, exists := msg.Reactions[frame.Emoji]
	if !exists && len(msg.Reactions) >= MaxDistinctEmojis {
		r.mu.Unlock()
		client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeInvalidOp, "too many distinct reactions")))
		return
	}
	if !exists {
		users = set.New[string]()
		msg.Reactions[frame.Emoji] = users
	}

	uid := string(client.UserID())
	added := !users.Has(uid)
	if added {
		users.Insert(uid)
	} else {
		users.Delete(uid)
		if users.Len() == 0 {
			delete(msg.Reactions, frame.Emoji)
		}
	}
	frameBytes := wire.MustEncode(wire.NewChatReaction(msg.ID, frame.Emoji, uid, added))
	r.broadcastLocked(frameBytes)
	r.mu.Unlock()
}

// HandleTyping broadcasts a typing indicator. Indicators expire on their own
// after TypingExpiry so a crashed client never types forever.
func (r *Room) HandleTyping(_ context.Context, client types.ClientInterface, frame wire.ChatTypingFrame) {
	uid := client.UserID()

	r.mu.Lock()
	if t, ok := r.typing[uid]; ok {
		t.Stop()
		delete(r.typing, uid)
	}
	if frame.IsTyping {
		r.typing[uid] = time.AfterFunc(TypingExpiry, func() { r.expireTyping(uid) })
	}
	frameBytes := wire.MustEncode(wire.NewChatTyping(string(uid), frame.IsTyping))
	r.broadcastExceptLocked(frameBytes, client.ConnID())
	r.mu.Unlock()
}

func (r *Room) expireTyping(uid types.UserIDType) {
	r.mu.Lock()
	if _, ok := r.typing[uid]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.typing, uid)
	frameBytes := wire.MustEncode(wire.NewChatTyping(string(uid), false))
	r.broadcastLocked(frameBytes)
	r.mu.Unlock()
}

func (r *Room) limited(ctx context.Context, l *limiter.Limiter, client types.ClientInterface, limitType string) (retryAfter int, limited bool) {
	key := r.ID + ":" + string(client.UserID())
	lctx, err := l.Get(ctx, key)
	if err != nil {
		// Fail open: a broken limiter store must not silence chat.
		logging.Error(ctx, "Chat rate limiter store failed", zap.String("room_id", r.ID), zap.Error(err))
		return 0, false
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("chat", limitType).Inc()
		retry := int(lctx.Reset - time.Now().Unix())
		if retry < 1 {
			retry = 1
		}
		return retry, true
	}
	return 0, false
}

// filterMentionsLocked keeps only mentions of current members.
func (r *Room) filterMentionsLocked(mentions []string) []string {
	if len(mentions) == 0 {
		return nil
	}
	present := set.New[string]()
	for _, c := range r.members {
		present.Insert(string(c.UserID()))
	}
	var out []string
	for _, m := range mentions {
		if present.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

func (r *Room) toWireLocked(m *Message) wire.ChatMessage {
	var reactions map[string][]string
	if len(m.Reactions) > 0 {
		reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			reactions[emoji] = users.SortedList()
		}
	}
	return wire.ChatMessage{
		Type:          wire.TypeChatMessage,
		ID:            m.ID,
		UserID:        string(m.UserID),
		DisplayName:   string(m.DisplayName),
		Content:       m.Content,
		Timestamp:     m.Timestamp.UnixMilli(),
		IsCodeSnippet: m.IsCodeSnippet,
		CodeLanguage:  m.CodeLanguage,
		Mentions:      m.Mentions,
		Reactions:     reactions,
		ClientID:      m.ClientID,
	}
}

func (r *Room) broadcastLocked(frame []byte) {
	for _, c := range r.members {
		c.Enqueue(frame)
	}
	// Everyone connected has now seen the latest message.
	for _, c := range r.members {
		r.lastSeen[c.UserID()] = r.total
	}
}

func (r *Room) broadcastExceptLocked(frame []byte, skip types.ConnIDType) {
	for id, c := range r.members {
		if id == skip {
			continue
		}
		c.Enqueue(frame)
	}
}
