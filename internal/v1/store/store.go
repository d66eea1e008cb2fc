// Package store persists document snapshots, operation history, and access
// control. The session layer talks to the Adapter interface only; concrete
// implementations cover Postgres (production), an in-memory map (dev mode and
// tests), and a Redis read-through cache that wraps either.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pairpad/pairpad/backend/go/internal/v1/ot"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

var (
	// ErrNotFound means the document has never been persisted. Joining such a
	// document starts it empty at version 0.
	ErrNotFound = errors.New("store: document not found")
)

// Snapshot is the durable state of a document at a version.
type Snapshot struct {
	DocID     types.DocIDType `json:"docId"`
	Content   string          `json:"content"`
	Version   int             `json:"version"`
	Language  string          `json:"language"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OpRecord is one history entry: the operation that produced Version.
type OpRecord struct {
	DocID   types.DocIDType `json:"docId"`
	Version int             `json:"version"`
	Op      ot.Operation    `json:"op"`
}

// Adapter is the persistence boundary. All methods take a context because the
// dispatcher offloads them to worker goroutines that must honor shutdown.
type Adapter interface {
	// LoadSnapshot returns the latest snapshot, or ErrNotFound for a document
	// that has never been saved.
	LoadSnapshot(ctx context.Context, docID types.DocIDType) (Snapshot, error)

	// SaveSnapshot persists a snapshot. A snapshot older than the stored one
	// is silently ignored, so retries after reordering are safe.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// AppendOps appends history entries. Idempotent on (docID, version):
	// re-appending an already-stored version is a no-op, not an error.
	AppendOps(ctx context.Context, docID types.DocIDType, recs []OpRecord) error

	// LoadOpsSince returns history entries with version > sinceVersion, in
	// ascending version order.
	LoadOpsSince(ctx context.Context, docID types.DocIDType, sinceVersion int) ([]OpRecord, error)

	// ResolveAccess returns the effective access level of a user on a
	// document. A document that does not exist yet grants edit, so the first
	// joiner can create it.
	ResolveAccess(ctx context.Context, docID types.DocIDType, userID types.UserIDType) (types.AccessLevel, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// transientError marks a failure worth retrying (connection loss, timeouts,
// serialization conflicts). The snapshot retry loop backs off on these and
// gives up on everything else.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
