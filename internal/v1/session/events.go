package session

import (
	"context"

	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

// event is the closed union of inbox events. Only the dispatcher goroutine
// handles them, which is the whole concurrency story of a session: one FIFO,
// one consumer, no locks on document state.
type event interface{ isEvent() }

type evJoin struct {
	client types.ClientInterface
}

type evLeave struct {
	connID types.ConnIDType
}

type evClientOp struct {
	connID types.ConnIDType
	frame  wire.OpFrame

	// preloaded carries history fetched by a worker when the client's
	// baseVersion fell behind the in-memory window. preloadTried stops a
	// second round trip.
	preloaded    []store.OpRecord
	preloadTried bool
}

type evCursor struct {
	connID types.ConnIDType
	pos    wire.Position
}

type evCursorFlush struct {
	connID types.ConnIDType
}

type evSelection struct {
	connID types.ConnIDType
	r      wire.Range
}

type evLanguage struct {
	connID   types.ConnIDType
	language string
}

// evSaveResult reports a snapshot worker's outcome back to the dispatcher.
type evSaveResult struct {
	version int
	err     error
}

// evAppendResult reports an op-flush worker's outcome.
type evAppendResult struct {
	count int // ops flushed from the head of the unflushed queue
	err   error
}

// evDrain asks the session to persist and unload. force closes live members
// first (hub shutdown); without force the drain is refused unless empty.
type evDrain struct {
	ctx   context.Context
	force bool
	reply chan bool // true when the session unloaded
}

// evInspect returns a copy of dispatcher-owned state for tests and drain
// bookkeeping.
type evInspect struct {
	reply chan InspectResult
}

// InspectResult is a read-only copy of session state.
type InspectResult struct {
	Content      string
	Version      int
	Language     string
	SavedVersion int
	Members      []types.ConnIDType
	State        State
	HistoryLen   int
}

func (evJoin) isEvent()         {}
func (evLeave) isEvent()        {}
func (evClientOp) isEvent()     {}
func (evCursor) isEvent()       {}
func (evCursorFlush) isEvent()  {}
func (evSelection) isEvent()    {}
func (evLanguage) isEvent()     {}
func (evSaveResult) isEvent()   {}
func (evAppendResult) isEvent() {}
func (evDrain) isEvent()        {}
func (evInspect) isEvent()      {}
