package chat

import (
	"context"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

// GeneralRoomID is the workspace-wide room that always exists.
const GeneralRoomID = "general"

// Service owns the room registry. The general room is permanent; per-document
// rooms are created on first use and reaped after sitting empty for the grace
// period, so their history survives brief reconnects.
type Service struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	graceTimers map[string]*time.Timer

	cfg         RoomConfig
	store       limiter.Store
	gracePeriod time.Duration
}

// NewService creates the registry and the general room. A nil limiter store
// falls back to in-process memory.
func NewService(cfg RoomConfig, store limiter.Store, gracePeriod time.Duration) *Service {
	if store == nil {
		store = memory.NewStore()
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Minute
	}
	s := &Service{
		rooms:       make(map[string]*Room),
		graceTimers: make(map[string]*time.Timer),
		cfg:         cfg,
		store:       store,
		gracePeriod: gracePeriod,
	}
	s.rooms[GeneralRoomID] = NewRoom(GeneralRoomID, cfg, store)
	return s
}

// Room returns the room with the given id, creating it if needed. A pending
// reap is cancelled, so returning members find their history intact.
func (s *Service) Room(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.graceTimers[id]; ok {
		t.Stop()
		delete(s.graceTimers, id)
	}
	r, ok := s.rooms[id]
	if !ok {
		r = NewRoom(id, s.cfg, s.store)
		s.rooms[id] = r
	}
	return r
}

// DocRoom returns the room attached to a document session.
func (s *Service) DocRoom(docID types.DocIDType) *Room {
	return s.Room("doc:" + string(docID))
}

// ReleaseIfEmpty schedules an empty, non-permanent room for reaping.
func (s *Service) ReleaseIfEmpty(id string) {
	if id == GeneralRoomID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok || !r.Empty() {
		return
	}
	if t, ok := s.graceTimers[id]; ok {
		t.Stop()
	}
	s.graceTimers[id] = time.AfterFunc(s.gracePeriod, func() { s.reap(id) })
}

func (s *Service) reap(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.graceTimers, id)
	r, ok := s.rooms[id]
	if !ok || !r.Empty() {
		return
	}
	r.Close()
	delete(s.rooms, id)
	logging.Info(context.Background(), "Reaped empty chat room", zap.String("room_id", id))
}

// Shutdown stops all timers and closes every room.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, id)
	}
	for id, r := range s.rooms {
		r.Close()
		delete(s.rooms, id)
	}
}
