package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/pairpad/backend/go/internal/v1/ot"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_LoadSnapshot(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT content, version, language, updated_at FROM documents WHERE id = $1`)).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"content", "version", "language", "updated_at"}).
			AddRow("package main", 7, "go", now))

	snap, err := p.LoadSnapshot(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, types.DocIDType("doc-1"), snap.DocID)
	assert.Equal(t, "package main", snap.Content)
	assert.Equal(t, 7, snap.Version)
	assert.Equal(t, "go", snap.Language)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadSnapshot_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT content, version, language, updated_at FROM documents WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.LoadSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_SaveSnapshot(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO documents`)).
		WithArgs("doc-1", "content", 9, "go", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.SaveSnapshot(context.Background(), Snapshot{
		DocID: "doc-1", Content: "content", Version: 9, Language: "go", UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendOps(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO document_ops`))
	prep.ExpectExec().
		WithArgs("doc-1", 1, "insert", 0, 0, "abc", 0, "c1", "u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("doc-1", 2, "delete", 1, 2, "", 1, "c1", "u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	recs := []OpRecord{
		{DocID: "doc-1", Version: 1, Op: ot.Operation{Kind: ot.KindInsert, Text: "abc", ClientID: "c1", UserID: "u1", Timestamp: now}},
		{DocID: "doc-1", Version: 2, Op: ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 2, BaseVersion: 1, ClientID: "c1", UserID: "u1", Timestamp: now}},
	}
	require.NoError(t, p.AppendOps(context.Background(), "doc-1", recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendOps_EmptyBatch(t *testing.T) {
	p, mock := newMockPostgres(t)
	// No expectations: an empty batch must not touch the database.
	require.NoError(t, p.AppendOps(context.Background(), "doc-1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadOpsSince(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM document_ops WHERE doc_id = $1 AND version > $2`)).
		WithArgs("doc-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"version", "kind", "position", "length", "text", "base_version", "client_id", "user_id", "created_at"}).
			AddRow(6, "insert", 0, 0, "x", 5, "c1", "u1", now).
			AddRow(7, "delete", 2, 1, "", 6, "c2", "u2", now))

	recs, err := p.LoadOpsSince(context.Background(), "doc-1", 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 6, recs[0].Version)
	assert.Equal(t, ot.KindInsert, recs[0].Op.Kind)
	assert.Equal(t, ot.KindDelete, recs[1].Op.Kind)
	assert.Equal(t, 1, recs[1].Op.Length)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResolveAccess(t *testing.T) {
	docQuery := regexp.QuoteMeta(`SELECT owner_id, public_access FROM documents WHERE id = $1`)
	aclQuery := regexp.QuoteMeta(`SELECT access FROM document_acl WHERE document_id = $1 AND user_id = $2`)

	t.Run("owner gets edit", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow("u1", "none"))

		level, err := p.ResolveAccess(context.Background(), "d", "u1")
		require.NoError(t, err)
		assert.Equal(t, types.AccessEdit, level)
	})

	t.Run("acl row wins over public access", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow("owner", "none"))
		mock.ExpectQuery(aclQuery).WithArgs("d", "u2").
			WillReturnRows(sqlmock.NewRows([]string{"access"}).AddRow("view"))

		level, err := p.ResolveAccess(context.Background(), "d", "u2")
		require.NoError(t, err)
		assert.Equal(t, types.AccessView, level)
	})

	t.Run("falls back to public access", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow("owner", "view"))
		mock.ExpectQuery(aclQuery).WithArgs("d", "u3").
			WillReturnError(sql.ErrNoRows)

		level, err := p.ResolveAccess(context.Background(), "d", "u3")
		require.NoError(t, err)
		assert.Equal(t, types.AccessView, level)
	})

	t.Run("no grant means none", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow("owner", "none"))
		mock.ExpectQuery(aclQuery).WithArgs("d", "u4").
			WillReturnError(sql.ErrNoRows)

		level, err := p.ResolveAccess(context.Background(), "d", "u4")
		require.NoError(t, err)
		assert.Equal(t, types.AccessNone, level)
	})

	t.Run("unknown document grants edit and records the owner", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("new-doc").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO documents`)).
			WithArgs("new-doc", "u5", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		level, err := p.ResolveAccess(context.Background(), "new-doc", "u5")
		require.NoError(t, err)
		assert.Equal(t, types.AccessEdit, level)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null owner falls through to acl", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow(nil, "none"))
		mock.ExpectQuery(aclQuery).WithArgs("d", "u6").
			WillReturnRows(sqlmock.NewRows([]string{"access"}).AddRow("view"))

		level, err := p.ResolveAccess(context.Background(), "d", "u6")
		require.NoError(t, err)
		assert.Equal(t, types.AccessView, level)
	})

	t.Run("null owner without grant means none", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(docQuery).WithArgs("d").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "public_access"}).AddRow(nil, "none"))
		mock.ExpectQuery(aclQuery).WithArgs("d", "u7").
			WillReturnError(sql.ErrNoRows)

		level, err := p.ResolveAccess(context.Background(), "d", "u7")
		require.NoError(t, err)
		assert.Equal(t, types.AccessNone, level)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection exception", &pq.Error{Code: "08006"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"conn done", sql.ErrConnDone, true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTransient, IsTransient(classify(tt.err)))
		})
	}
}
