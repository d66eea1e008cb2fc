// Package session implements the per-document collaboration engine. Each
// Session is a single-writer actor: one dispatcher goroutine owns the
// document content, version counter, presence, and operation history, and
// every inbound event from every member socket is serialized through one FIFO
// inbox. Persistence runs on spawned workers that post their results back to
// the inbox, so the dispatcher never blocks on disk or network I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/metrics"
	"github.com/pairpad/pairpad/backend/go/internal/v1/ot"
	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

// State is the session lifecycle.
type State int

const (
	StateLoading State = iota
	StateActive
	StateDraining
	StateUnloaded
)

// Config tunes a session. Zero values fall back to defaults.
type Config struct {
	SnapshotInterval    time.Duration
	SnapshotOpThreshold int
	OpBufferSize        int
	PresenceTimeout     time.Duration
	CursorEmitInterval  time.Duration
	PersistFatalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Second
	}
	if c.SnapshotOpThreshold <= 0 {
		c.SnapshotOpThreshold = 50
	}
	if c.OpBufferSize < 1024 {
		c.OpBufferSize = 1024
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = 30 * time.Second
	}
	if c.CursorEmitInterval <= 0 {
		c.CursorEmitInterval = 50 * time.Millisecond
	}
	if c.PersistFatalTimeout <= 0 {
		c.PersistFatalTimeout = 5 * time.Minute
	}
	return c
}

// Hooks are callbacks into the hub. Both may be nil.
type Hooks struct {
	// OnEmpty fires when the last member leaves; the hub schedules
	// grace-period cleanup.
	OnEmpty func(types.DocIDType)
	// OnUnloaded fires when the session unloads outside a Drain call (the
	// dispatcher panicked); the hub drops it from the registry.
	OnUnloaded func(types.DocIDType)
}

// Session is one live document. Exported methods only post events; all state
// below the inbox is owned by the dispatcher goroutine.
type Session struct {
	docID   types.DocIDType
	cfg     Config
	adapter store.Adapter
	hooks   Hooks

	inbox chan event
	done  chan struct{}

	// Dispatcher-owned state.
	doc      ot.Doc
	version  int
	language string
	members  map[types.ConnIDType]*Member
	colorSeq int

	history   []store.OpRecord // sliding window of the last cfg.OpBufferSize accepted ops
	unflushed []store.OpRecord // accepted but not yet appended to the store

	lastSaved       int
	dirty           bool // non-versioned state (language) changed since last save
	saveInFlight    bool
	appendInFlight  bool
	saveBackoff     time.Duration
	nextSaveAllowed time.Time
	failingSince    time.Time

	state State
}

// New loads the document snapshot and starts the dispatcher. A document that
// has never been saved starts empty at version 0.
func New(ctx context.Context, docID types.DocIDType, adapter store.Adapter, cfg Config, hooks Hooks) (*Session, error) {
	snap, err := adapter.LoadSnapshot(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		snap = store.Snapshot{DocID: docID, Language: "plaintext"}
	} else if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", docID, err)
	}

	s := &Session{
		docID:     docID,
		cfg:       cfg.withDefaults(),
		adapter:   adapter,
		hooks:     hooks,
		inbox:     make(chan event, 256),
		done:      make(chan struct{}),
		doc:       ot.NewDoc(snap.Content),
		version:   snap.Version,
		language:  snap.Language,
		members:   make(map[types.ConnIDType]*Member),
		lastSaved: snap.Version,
		state:     StateActive,
	}

	metrics.ActiveSessions.Inc()
	logging.Info(ctx, "Session loaded",
		zap.String("doc_id", string(docID)), zap.Int("version", snap.Version))

	go s.run()
	return s, nil
}

// DocID returns the session's document id.
func (s *Session) DocID() types.DocIDType { return s.docID }

// Done is closed when the session has unloaded.
func (s *Session) Done() <-chan struct{} { return s.done }

// post enqueues an event, giving up once the session has unloaded. The done
// check comes first so a dead session can never accept new events.
func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Join admits a client. The document-state handshake happens on the
// dispatcher; a draining session refuses with close code 4001.
func (s *Session) Join(client types.ClientInterface) bool {
	if !s.post(evJoin{client: client}) {
		client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeUnavailable, "session is unloading")))
		client.CloseWithCode(wire.CloseUnavailable, wire.ReasonUnavailable)
		return false
	}
	return true
}

// Leave removes a member (socket already closed or closing).
func (s *Session) Leave(connID types.ConnIDType) {
	s.post(evLeave{connID: connID})
}

// HandleOp routes a client operation into the OT path.
func (s *Session) HandleOp(connID types.ConnIDType, frame wire.OpFrame) {
	s.post(evClientOp{connID: connID, frame: frame})
}

// HandleCursor routes a cursor update.
func (s *Session) HandleCursor(connID types.ConnIDType, pos wire.Position) {
	s.post(evCursor{connID: connID, pos: pos})
}

// HandleSelection routes a selection update.
func (s *Session) HandleSelection(connID types.ConnIDType, r wire.Range) {
	s.post(evSelection{connID: connID, r: r})
}

// HandleLanguage routes a language change.
func (s *Session) HandleLanguage(connID types.ConnIDType, language string) {
	s.post(evLanguage{connID: connID, language: language})
}

// Drain persists and unloads the session. Without force it refuses while
// members are connected; with force (hub shutdown) members are closed with
// 1001 first and the session unloads even if the final save fails. Returns
// true when the session unloaded.
func (s *Session) Drain(ctx context.Context, force bool) bool {
	reply := make(chan bool, 1)
	if !s.post(evDrain{ctx: ctx, force: force, reply: reply}) {
		return true // already unloaded
	}
	select {
	case unloaded := <-reply:
		return unloaded
	case <-ctx.Done():
		return false
	}
}

// Inspect returns a copy of session state, synchronized through the inbox.
func (s *Session) Inspect() (InspectResult, bool) {
	reply := make(chan InspectResult, 1)
	if !s.post(evInspect{reply: reply}) {
		return InspectResult{}, false
	}
	select {
	case r := <-reply:
		return r, true
	case <-s.done:
		return InspectResult{}, false
	}
}

// --- Dispatcher ---

func (s *Session) run() {
	defer s.drainInbox()
	defer close(s.done)
	defer func() {
		metrics.ActiveSessions.Dec()
		metrics.SessionMembers.DeleteLabelValues(string(s.docID))
	}()
	defer s.recoverPanic()

	snapTicker := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapTicker.Stop()
	presenceTicker := time.NewTicker(s.cfg.PresenceTimeout / 3)
	defer presenceTicker.Stop()

	for s.state != StateUnloaded {
		select {
		case ev := <-s.inbox:
			start := time.Now()
			s.dispatch(ev)
			metrics.MessageProcessingDuration.WithLabelValues(eventName(ev)).Observe(time.Since(start).Seconds())
		case <-snapTicker.C:
			s.flushOps(nil)
			s.maybeSnapshot()
		case <-presenceTicker.C:
			s.sweepPresence()
		}
	}
}

// drainInbox disposes of events buffered behind a dead dispatcher: joins are
// refused with 4001, pending drains are acknowledged, the rest is dropped.
// Runs after done closes; the grace window catches posts that were already in
// flight when the dispatcher exited.
func (s *Session) drainInbox() {
	for {
		select {
		case ev := <-s.inbox:
			switch e := ev.(type) {
			case evJoin:
				e.client.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeUnavailable, "session is unloading")))
				e.client.CloseWithCode(wire.CloseUnavailable, wire.ReasonUnavailable)
			case evDrain:
				e.reply <- true
			}
		case <-time.After(10 * time.Millisecond):
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	switch e := ev.(type) {
	case evJoin:
		s.handleJoin(e)
	case evLeave:
		s.handleLeave(e.connID)
	case evClientOp:
		s.handleClientOp(e)
	case evCursor:
		s.handleCursor(e)
	case evCursorFlush:
		s.handleCursorFlush(e.connID)
	case evSelection:
		s.handleSelection(e)
	case evLanguage:
		s.handleLanguage(e)
	case evSaveResult:
		s.handleSaveResult(e)
	case evAppendResult:
		s.handleAppendResult(e)
	case evDrain:
		s.handleDrain(e)
	case evInspect:
		e.reply <- InspectResult{
			Content:      s.doc.String(),
			Version:      s.version,
			Language:     s.language,
			SavedVersion: s.lastSaved,
			Members:      s.memberIDs(),
			State:        s.state,
			HistoryLen:   len(s.history),
		}
	}
}

func eventName(ev event) string {
	switch ev.(type) {
	case evJoin:
		return "join"
	case evLeave:
		return "leave"
	case evClientOp:
		return "op"
	case evCursor, evCursorFlush:
		return "cursor"
	case evSelection:
		return "selection"
	case evLanguage:
		return "language"
	case evSaveResult, evAppendResult:
		return "persist"
	case evDrain:
		return "drain"
	default:
		return "other"
	}
}

func (s *Session) memberIDs() []types.ConnIDType {
	ids := make([]types.ConnIDType, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	return ids
}

// --- Membership ---

func (s *Session) handleJoin(ev evJoin) {
	c := ev.client
	if s.state == StateDraining {
		c.Enqueue(wire.MustEncode(wire.NewError(wire.ErrCodeUnavailable, "session is unloading")))
		c.CloseWithCode(wire.CloseUnavailable, wire.ReasonUnavailable)
		return
	}

	m := newMember(c, s.colorSeq, time.Now())
	s.colorSeq++
	m.lastClientVersion = s.version
	s.members[c.ConnID()] = m

	users := make([]wire.UserInfo, 0, len(s.members))
	for _, mm := range s.members {
		users = append(users, mm.userInfo())
	}
	c.Enqueue(wire.MustEncode(wire.NewDocumentState(
		s.doc.String(), s.version, s.language, users, m.color, string(c.ConnID()))))

	s.broadcastExcept(wire.MustEncode(wire.NewUserJoined(m.userInfo())), c.ConnID())
	metrics.SessionMembers.WithLabelValues(string(s.docID)).Set(float64(len(s.members)))

	logging.Info(context.Background(), "Member joined session",
		zap.String("doc_id", string(s.docID)),
		zap.String("conn_id", string(c.ConnID())),
		zap.String("user_id", string(c.UserID())),
		zap.Int("members", len(s.members)))
}

func (s *Session) handleLeave(connID types.ConnIDType) {
	m, ok := s.members[connID]
	if !ok {
		return
	}
	delete(s.members, connID)
	s.broadcastExcept(wire.MustEncode(wire.NewUserLeft(
		string(m.client.UserID()), string(connID))), "")
	metrics.SessionMembers.WithLabelValues(string(s.docID)).Set(float64(len(s.members)))

	if len(s.members) == 0 && s.hooks.OnEmpty != nil {
		s.hooks.OnEmpty(s.docID)
	}
}

// broadcastExcept fans a frame out to every member but skip. Members whose
// outbound queue is full are evicted so the dispatcher never waits on a slow
// socket.
func (s *Session) broadcastExcept(frame []byte, skip types.ConnIDType) {
	var evicted []types.ConnIDType
	for id, m := range s.members {
		if id == skip {
			continue
		}
		if !m.client.Enqueue(frame) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		s.evictSlowConsumer(id)
	}
}

func (s *Session) evictSlowConsumer(connID types.ConnIDType) {
	m, ok := s.members[connID]
	if !ok {
		return
	}
	delete(s.members, connID)
	m.client.CloseWithCode(wire.CloseInternal, wire.ReasonSlowConsumer)
	metrics.SlowConsumerEvictions.Inc()
	logging.Warn(context.Background(), "Evicted slow consumer",
		zap.String("doc_id", string(s.docID)), zap.String("conn_id", string(connID)))

	s.broadcastExcept(wire.MustEncode(wire.NewUserLeft(
		string(m.client.UserID()), string(connID))), "")
	metrics.SessionMembers.WithLabelValues(string(s.docID)).Set(float64(len(s.members)))

	if len(s.members) == 0 && s.hooks.OnEmpty != nil {
		s.hooks.OnEmpty(s.docID)
	}
}

// --- Operation acceptance ---

func (s *Session) handleClientOp(ev evClientOp) {
	m, ok := s.members[ev.connID]
	if !ok {
		return
	}
	s.touch(m)
	f := ev.frame

	if f.BaseVersion > s.version {
		s.reject(m, wire.ErrCodeFutureOp, "base version ahead of server", "future_op")
		return
	}
	if !m.client.Access().CanEdit() {
		s.reject(m, wire.ErrCodeReadOnly, "view-only access", "read_only")
		return
	}

	// Retain never mutates content; it only proves liveness and is
	// acknowledged at the current version.
	if ot.Kind(f.Kind) == ot.KindRetain {
		m.client.Enqueue(wire.MustEncode(wire.NewAck(f.ClientOpID, s.version)))
		return
	}

	op := ot.Operation{
		Kind:        ot.Kind(f.Kind),
		Position:    f.Position,
		Text:        f.Text,
		Length:      f.Length,
		BaseVersion: f.BaseVersion,
		ClientID:    string(ev.connID),
		UserID:      string(m.client.UserID()),
	}
	if err := op.Validate(); err != nil {
		s.reject(m, wire.ErrCodeInvalidOp, err.Error(), "validate")
		return
	}

	series, covered := s.seriesSince(f.BaseVersion, ev.preloaded)
	if !covered {
		if ev.preloadTried {
			s.reject(m, wire.ErrCodeInvalidOp, "base version beyond recoverable history", "history_gap")
			return
		}
		s.loadSeriesAsync(ev)
		return
	}

	if err := op.ValidateBounds(s.lenAt(series)); err != nil {
		s.reject(m, wire.ErrCodeInvalidOp, err.Error(), "bounds")
		return
	}

	frags := ot.TransformSeries(op, series)

	// Apply all fragments to a scratch copy first so a mid-sequence failure
	// cannot leave the document half-mutated.
	applied := make([]ot.Operation, 0, len(frags))
	next := s.doc
	var err error
	for _, frag := range frags {
		if frag.IsNoop() {
			continue
		}
		next, err = ot.Apply(next, frag)
		if err != nil {
			s.reject(m, wire.ErrCodeInvalidOp, "operation does not apply", "transform")
			return
		}
		applied = append(applied, frag)
	}
	s.doc = next

	now := time.Now()
	for _, frag := range applied {
		s.version++
		frag.Timestamp = now
		rec := store.OpRecord{DocID: s.docID, Version: s.version, Op: frag}
		s.pushHistory(rec)
		s.unflushed = append(s.unflushed, rec)
		metrics.OperationsApplied.WithLabelValues(string(frag.Kind)).Inc()

		var remote wire.RemoteOp
		if frag.Kind == ot.KindInsert {
			remote = wire.NewRemoteOp(string(ot.KindInsert), frag.Position, frag.Text, 0, s.version, frag.UserID)
		} else {
			remote = wire.NewRemoteOp(string(ot.KindDelete), frag.Position, "", frag.Length, s.version, frag.UserID)
		}
		s.broadcastExcept(wire.MustEncode(remote), ev.connID)
	}

	// A fully-consumed op (entire range already deleted) still acks: the
	// client's intent is satisfied by history.
	m.client.Enqueue(wire.MustEncode(wire.NewAck(f.ClientOpID, s.version)))
	m.lastClientVersion = s.version

	if len(s.unflushed) >= s.cfg.OpBufferSize/2 {
		s.flushOps(nil)
	}
	if s.version-s.lastSaved >= s.cfg.SnapshotOpThreshold {
		s.maybeSnapshot()
	}
}

func (s *Session) reject(m *Member, code, msg, reason string) {
	metrics.OperationsRejected.WithLabelValues(reason).Inc()
	m.client.Enqueue(wire.MustEncode(wire.NewError(code, msg)))
}

// seriesSince returns the operations applied after base, oldest first. The
// in-memory window usually covers it; otherwise preloaded rows from the store
// are stitched in front. covered is false when the gap cannot be closed.
func (s *Session) seriesSince(base int, preloaded []store.OpRecord) ([]ot.Operation, bool) {
	if base >= s.version {
		return nil, true
	}
	first := s.version + 1 // version of the oldest retained entry
	if len(s.history) > 0 {
		first = s.history[0].Version
	}

	var series []ot.Operation
	if base+1 < first {
		// Stitch the store-backed prefix for versions (base, first).
		for _, r := range preloaded {
			if r.Version <= base {
				continue
			}
			if r.Version >= first {
				break
			}
			if r.Version != base+len(series)+1 {
				return nil, false // gap in the persisted history
			}
			series = append(series, r.Op)
		}
		if len(series) != first-1-base {
			return nil, false
		}
	}
	start := 0
	if base+1 > first {
		start = base + 1 - first
	}
	for _, r := range s.history[start:] {
		series = append(series, r.Op)
	}
	return series, true
}

// loadSeriesAsync fetches missing history on a worker and replays the op
// through the inbox. The dispatcher never waits on the store.
func (s *Session) loadSeriesAsync(ev evClientOp) {
	base := ev.frame.BaseVersion
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recs, err := s.adapter.LoadOpsSince(ctx, s.docID, base)
		if err != nil {
			logging.Warn(ctx, "History load failed",
				zap.String("doc_id", string(s.docID)), zap.Int("base", base), zap.Error(err))
		}
		s.post(evClientOp{connID: ev.connID, frame: ev.frame, preloaded: recs, preloadTried: true})
	}()
}

// lenAt computes the document length at the client's base version by undoing
// the deltas of everything applied since.
func (s *Session) lenAt(series []ot.Operation) int {
	l := s.doc.Len()
	for _, op := range series {
		switch op.Kind {
		case ot.KindInsert:
			l -= op.TextLen()
		case ot.KindDelete:
			l += op.Length
		}
	}
	return l
}

func (s *Session) pushHistory(rec store.OpRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > s.cfg.OpBufferSize {
		s.history = s.history[1:]
	}
}

// --- Presence ---

func (s *Session) touch(m *Member) {
	m.lastActivity = time.Now()
	if m.away {
		m.away = false
		s.broadcastExcept(wire.MustEncode(wire.NewPresence(
			string(m.client.UserID()), string(m.client.ConnID()), false)), "")
	}
}

func (s *Session) handleCursor(ev evCursor) {
	m, ok := s.members[ev.connID]
	if !ok {
		return
	}
	s.touch(m)
	pos := ev.pos
	m.cursor = &pos

	now := time.Now()
	if now.Sub(m.lastCursorEmit) >= s.cfg.CursorEmitInterval {
		m.lastCursorEmit = now
		m.pendingCursor = nil
		s.broadcastExcept(wire.MustEncode(wire.NewCursorMove(
			string(m.client.UserID()), string(ev.connID), pos)), ev.connID)
		return
	}

	// Coalesce: keep only the latest position, emit when the interval is up.
	m.pendingCursor = &pos
	if !m.flushScheduled {
		m.flushScheduled = true
		delay := s.cfg.CursorEmitInterval - now.Sub(m.lastCursorEmit)
		connID := ev.connID
		time.AfterFunc(delay, func() { s.post(evCursorFlush{connID: connID}) })
	}
}

func (s *Session) handleCursorFlush(connID types.ConnIDType) {
	m, ok := s.members[connID]
	if !ok {
		return
	}
	m.flushScheduled = false
	if m.pendingCursor == nil {
		return
	}
	pos := *m.pendingCursor
	m.pendingCursor = nil
	m.lastCursorEmit = time.Now()
	s.broadcastExcept(wire.MustEncode(wire.NewCursorMove(
		string(m.client.UserID()), string(connID), pos)), connID)
}

func (s *Session) handleSelection(ev evSelection) {
	m, ok := s.members[ev.connID]
	if !ok {
		return
	}
	s.touch(m)
	r := ev.r
	m.selection = &r
	s.broadcastExcept(wire.MustEncode(wire.NewSelectionChange(
		string(m.client.UserID()), string(ev.connID), r)), ev.connID)
}

func (s *Session) handleLanguage(ev evLanguage) {
	m, ok := s.members[ev.connID]
	if !ok {
		return
	}
	s.touch(m)
	if !m.client.Access().CanEdit() {
		s.reject(m, wire.ErrCodeReadOnly, "view-only access", "read_only")
		return
	}
	if ev.language == "" || len(ev.language) > 64 {
		s.reject(m, wire.ErrCodeInvalidOp, "invalid language tag", "language")
		return
	}
	s.language = ev.language
	s.dirty = true
	s.broadcastExcept(wire.MustEncode(wire.NewLanguageChange(
		ev.language, string(m.client.UserID()))), "")
}

// sweepPresence marks idle members away and force-disconnects the long gone.
func (s *Session) sweepPresence() {
	now := time.Now()
	var away []*Member
	var gone []types.ConnIDType
	for id, m := range s.members {
		idle := now.Sub(m.lastActivity)
		switch {
		case idle >= 2*s.cfg.PresenceTimeout:
			gone = append(gone, id)
		case idle >= s.cfg.PresenceTimeout && !m.away:
			m.away = true
			away = append(away, m)
		}
	}
	for _, m := range away {
		s.broadcastExcept(wire.MustEncode(wire.NewPresence(
			string(m.client.UserID()), string(m.client.ConnID()), true)), "")
	}
	for _, id := range gone {
		m, ok := s.members[id]
		if !ok {
			continue
		}
		m.client.CloseWithCode(wire.CloseGoingAway, wire.ReasonGoingAway)
		s.handleLeave(id)
	}
}

// --- Persistence ---

// flushOps sends the unflushed tail to the store. With a nil ctx the append
// runs on a worker; a drain passes its context to flush synchronously.
func (s *Session) flushOps(ctx context.Context) {
	if len(s.unflushed) == 0 {
		return
	}
	batch := make([]store.OpRecord, len(s.unflushed))
	copy(batch, s.unflushed)

	if ctx != nil {
		if err := s.adapter.AppendOps(ctx, s.docID, batch); err != nil {
			logging.Warn(ctx, "Final op flush failed",
				zap.String("doc_id", string(s.docID)), zap.Error(err))
			return
		}
		s.unflushed = s.unflushed[len(batch):]
		return
	}

	if s.appendInFlight {
		return
	}
	s.appendInFlight = true
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.adapter.AppendOps(wctx, s.docID, batch)
		s.post(evAppendResult{count: len(batch), err: err})
	}()
}

func (s *Session) handleAppendResult(ev evAppendResult) {
	s.appendInFlight = false
	if ev.err != nil {
		// AppendOps is idempotent by (doc, version); the batch stays queued
		// and the next tick retries it.
		logging.Warn(context.Background(), "Op flush failed, will retry",
			zap.String("doc_id", string(s.docID)), zap.Int("ops", ev.count), zap.Error(ev.err))
		return
	}
	s.unflushed = s.unflushed[ev.count:]
}

func (s *Session) maybeSnapshot() {
	if s.saveInFlight || (s.version == s.lastSaved && !s.dirty) {
		return
	}
	if time.Now().Before(s.nextSaveAllowed) {
		return
	}
	snap := store.Snapshot{
		DocID:     s.docID,
		Content:   s.doc.String(),
		Version:   s.version,
		Language:  s.language,
		UpdatedAt: time.Now(),
	}
	s.saveInFlight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.adapter.SaveSnapshot(ctx, snap)
		s.post(evSaveResult{version: snap.Version, err: err})
	}()
}

func (s *Session) handleSaveResult(ev evSaveResult) {
	s.saveInFlight = false
	if ev.err == nil {
		if ev.version > s.lastSaved {
			s.lastSaved = ev.version
		}
		s.dirty = false
		s.saveBackoff = 0
		s.nextSaveAllowed = time.Time{}
		s.failingSince = time.Time{}
		metrics.SnapshotSaves.WithLabelValues("success").Inc()
		return
	}

	metrics.SnapshotSaves.WithLabelValues("failure").Inc()
	if s.failingSince.IsZero() {
		s.failingSince = time.Now()
	}
	if s.saveBackoff == 0 {
		s.saveBackoff = time.Second
	} else {
		s.saveBackoff *= 2
		if s.saveBackoff > 30*time.Second {
			s.saveBackoff = 30 * time.Second
		}
	}
	// ±20% jitter keeps a fleet of failing sessions from retrying in phase.
	jittered := time.Duration(float64(s.saveBackoff) * (0.8 + 0.4*rand.Float64()))
	s.nextSaveAllowed = time.Now().Add(jittered)

	if time.Since(s.failingSince) >= s.cfg.PersistFatalTimeout {
		logging.Error(context.Background(), "Session degraded: snapshots failing persistently",
			zap.String("doc_id", string(s.docID)),
			zap.Duration("failing_for", time.Since(s.failingSince)),
			zap.Error(ev.err))
	} else {
		logging.Warn(context.Background(), "Snapshot save failed",
			zap.String("doc_id", string(s.docID)),
			zap.Duration("retry_in", jittered),
			zap.Error(ev.err))
	}
}

// --- Lifecycle ---

func (s *Session) handleDrain(ev evDrain) {
	if !ev.force && len(s.members) > 0 {
		ev.reply <- false
		return
	}
	s.state = StateDraining

	if ev.force {
		for _, m := range s.members {
			m.client.CloseWithCode(wire.CloseGoingAway, wire.ReasonGoingAway)
		}
		s.members = make(map[types.ConnIDType]*Member)
	}

	s.flushOps(ev.ctx)

	var err error
	if s.version > s.lastSaved || s.dirty {
		err = s.adapter.SaveSnapshot(ev.ctx, store.Snapshot{
			DocID:     s.docID,
			Content:   s.doc.String(),
			Version:   s.version,
			Language:  s.language,
			UpdatedAt: time.Now(),
		})
		if err == nil {
			s.lastSaved = s.version
			s.dirty = false
			metrics.SnapshotSaves.WithLabelValues("success").Inc()
		} else {
			metrics.SnapshotSaves.WithLabelValues("failure").Inc()
		}
	}

	if err != nil && !ev.force {
		// Stay loaded; the hub resets its cleanup timer and we try again.
		logging.Warn(ev.ctx, "Drain aborted: final snapshot failed",
			zap.String("doc_id", string(s.docID)), zap.Error(err))
		s.state = StateActive
		ev.reply <- false
		return
	}
	if err != nil {
		logging.Error(ev.ctx, "Unloading with unsaved snapshot",
			zap.String("doc_id", string(s.docID)), zap.Int("version", s.version), zap.Error(err))
	}

	s.state = StateUnloaded
	logging.Info(ev.ctx, "Session unloaded",
		zap.String("doc_id", string(s.docID)), zap.Int("version", s.version))
	ev.reply <- true
}

// recoverPanic is the session supervisor: a panicking handler must not take
// the process down. Members are closed with 1011, surviving state is flushed
// best-effort, and the hub drops the session so the next join rebuilds it
// from the persisted snapshot and op log.
func (s *Session) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	logging.Error(context.Background(), "Session dispatcher panicked",
		zap.String("doc_id", string(s.docID)), zap.Any("panic", r), zap.Stack("stack"))

	for _, m := range s.members {
		m.client.CloseWithCode(wire.CloseInternal, wire.ReasonInternal)
	}
	s.members = make(map[types.ConnIDType]*Member)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(s.unflushed) > 0 {
		if err := s.adapter.AppendOps(ctx, s.docID, s.unflushed); err == nil {
			s.unflushed = nil
		}
	}
	if err := s.adapter.SaveSnapshot(ctx, store.Snapshot{
		DocID:     s.docID,
		Content:   s.doc.String(),
		Version:   s.version,
		Language:  s.language,
		UpdatedAt: time.Now(),
	}); err != nil {
		logging.Error(ctx, "Post-panic snapshot failed",
			zap.String("doc_id", string(s.docID)), zap.Error(err))
	}

	s.state = StateUnloaded
	if s.hooks.OnUnloaded != nil {
		s.hooks.OnUnloaded(s.docID)
	}
}
