package store

import (
	"context"
	"sync"

	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

// Memory is a map-backed Adapter for dev mode and tests. Everything is lost
// on restart.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[types.DocIDType]Snapshot
	ops       map[types.DocIDType][]OpRecord

	// AccessFunc overrides access resolution; nil grants edit to everyone.
	AccessFunc func(docID types.DocIDType, userID types.UserIDType) types.AccessLevel
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[types.DocIDType]Snapshot),
		ops:       make(map[types.DocIDType][]OpRecord),
	}
}

func (m *Memory) LoadSnapshot(_ context.Context, docID types.DocIDType) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[docID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snapshots[snap.DocID]; ok && cur.Version >= snap.Version {
		return nil
	}
	m.snapshots[snap.DocID] = snap
	return nil
}

func (m *Memory) AppendOps(_ context.Context, docID types.DocIDType, recs []OpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]bool, len(m.ops[docID]))
	for _, r := range m.ops[docID] {
		seen[r.Version] = true
	}
	for _, r := range recs {
		if seen[r.Version] {
			continue
		}
		m.ops[docID] = append(m.ops[docID], r)
		seen[r.Version] = true
	}
	return nil
}

func (m *Memory) LoadOpsSince(_ context.Context, docID types.DocIDType, sinceVersion int) ([]OpRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OpRecord
	for _, r := range m.ops[docID] {
		if r.Version > sinceVersion {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ResolveAccess(_ context.Context, docID types.DocIDType, userID types.UserIDType) (types.AccessLevel, error) {
	if m.AccessFunc != nil {
		return m.AccessFunc(docID, userID), nil
	}
	return types.AccessEdit, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
