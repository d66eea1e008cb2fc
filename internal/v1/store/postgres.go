package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/ot"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

// Postgres is the production Adapter.
//
// Expected schema:
//
//	documents      (id TEXT PRIMARY KEY, content TEXT, version INT, language TEXT,
//	                owner_id TEXT, public_access TEXT DEFAULT 'none', updated_at TIMESTAMPTZ)
//	document_acl   (document_id TEXT, user_id TEXT, access TEXT,
//	                PRIMARY KEY (document_id, user_id))
//	document_ops   (doc_id TEXT, version INT, kind TEXT, position INT, length INT,
//	                text TEXT, base_version INT, client_id TEXT, user_id TEXT,
//	                created_at TIMESTAMPTZ, PRIMARY KEY (doc_id, version))
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects via lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", classify(err))
	}

	logging.Info(ctx, "Connected to Postgres", zap.Int("max_open_conns", 10))
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle. Tests use this with sqlmock.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) LoadSnapshot(ctx context.Context, docID types.DocIDType) (Snapshot, error) {
	var snap Snapshot
	snap.DocID = docID
	err := p.db.QueryRowContext(ctx,
		`SELECT content, version, language, updated_at FROM documents WHERE id = $1`,
		string(docID),
	).Scan(&snap.Content, &snap.Version, &snap.Language, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: load snapshot %s: %w", docID, classify(err))
	}
	return snap, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	// The WHERE guard makes stale retries a no-op instead of a regression.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, version, language, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    version = EXCLUDED.version,
		    language = EXCLUDED.language,
		    updated_at = EXCLUDED.updated_at
		WHERE documents.version < EXCLUDED.version`,
		string(snap.DocID), snap.Content, snap.Version, snap.Language, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot %s@%d: %w", snap.DocID, snap.Version, classify(err))
	}
	return nil
}

func (p *Postgres) AppendOps(ctx context.Context, docID types.DocIDType, recs []OpRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append: %w", classify(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_ops (doc_id, version, kind, position, length, text, base_version, client_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (doc_id, version) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare append: %w", classify(err))
	}
	defer stmt.Close()

	for _, r := range recs {
		op := r.Op
		if _, err := stmt.ExecContext(ctx,
			string(docID), r.Version, string(op.Kind), op.Position, op.Length,
			op.Text, op.BaseVersion, op.ClientID, op.UserID, op.Timestamp,
		); err != nil {
			return fmt.Errorf("store: append op %s@%d: %w", docID, r.Version, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append: %w", classify(err))
	}
	return nil
}

func (p *Postgres) LoadOpsSince(ctx context.Context, docID types.DocIDType, sinceVersion int) ([]OpRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT version, kind, position, length, text, base_version, client_id, user_id, created_at
		FROM document_ops WHERE doc_id = $1 AND version > $2
		ORDER BY version ASC`,
		string(docID), sinceVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load ops %s>%d: %w", docID, sinceVersion, classify(err))
	}
	defer rows.Close()

	var out []OpRecord
	for rows.Next() {
		r := OpRecord{DocID: docID}
		var kind string
		if err := rows.Scan(&r.Version, &kind, &r.Op.Position, &r.Op.Length,
			&r.Op.Text, &r.Op.BaseVersion, &r.Op.ClientID, &r.Op.UserID, &r.Op.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan op: %w", err)
		}
		r.Op.Kind = ot.Kind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ops: %w", classify(err))
	}
	return out, nil
}

func (p *Postgres) ResolveAccess(ctx context.Context, docID types.DocIDType, userID types.UserIDType) (types.AccessLevel, error) {
	var ownerID sql.NullString
	var publicAccess string
	err := p.db.QueryRowContext(ctx,
		`SELECT owner_id, public_access FROM documents WHERE id = $1`,
		string(docID),
	).Scan(&ownerID, &publicAccess)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown document: the first joiner creates it and becomes its
		// owner, so their edit grant survives the first snapshot save.
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO documents (id, content, version, language, owner_id, updated_at)
			VALUES ($1, '', 0, 'plaintext', $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			string(docID), string(userID), time.Now(),
		); err != nil {
			return types.AccessNone, fmt.Errorf("store: create document %s: %w", docID, classify(err))
		}
		return types.AccessEdit, nil
	}
	if err != nil {
		return types.AccessNone, fmt.Errorf("store: resolve access %s: %w", docID, classify(err))
	}
	// A NULL owner (row written before ownership was recorded) falls through
	// to the ACL and public access.
	if ownerID.Valid && ownerID.String == string(userID) {
		return types.AccessEdit, nil
	}

	var access string
	err = p.db.QueryRowContext(ctx,
		`SELECT access FROM document_acl WHERE document_id = $1 AND user_id = $2`,
		string(docID), string(userID),
	).Scan(&access)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return parseAccess(publicAccess), nil
	case err != nil:
		return types.AccessNone, fmt.Errorf("store: resolve acl %s/%s: %w", docID, userID, classify(err))
	}
	return parseAccess(access), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func parseAccess(s string) types.AccessLevel {
	switch types.AccessLevel(s) {
	case types.AccessView, types.AccessEdit:
		return types.AccessLevel(s)
	default:
		return types.AccessNone
	}
}

// classify separates retryable failures from permanent ones. Connection
// errors, timeouts, serialization conflicts, and resource exhaustion are
// transient; constraint violations and syntax errors are not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57P03", // cannot_connect_now
			"53300", // too_many_connections
			"53400": // configuration_limit_exceeded
			return Transient(err)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return Transient(err)
		}
	}
	return err
}
