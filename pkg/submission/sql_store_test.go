package submission

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

var submissionColumns = []string{
	"id", "prior_id", "plugin_name", "version", "description", "developer_name",
	"developer_email", "category", "license", "binary_ref", "checksum", "size_bytes",
	"status", "findings", "reviewer", "rationale", "descriptor",
	"submitted_at", "updated_at", "published_at",
}

func expectSubmissionSchema(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_submissions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_plugin_submissions_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_submission_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_plugin_submission_events_submission").WillReturnResult(sqlmock.NewResult(0, 0))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	expectSubmissionSchema(mock)
	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store, mock
}

func queuedRow(id string, status Status) *sqlmock.Rows {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(submissionColumns).AddRow(
		id, nil, "Todo Sync", "1.2.0", "Syncs todos", "Dana",
		"dana@example.com", nil, nil, "packages/sha256/ab/cdef.jar", "abcdef", int64(2048),
		string(status), `[{"field":"security","message":"flagged"}]`, nil, nil,
		`{"id":"todo-sync","name":"Todo Sync","version":"1.2.0","entry_point":"builtin:noop","api_version":"1.0.0","capabilities":["NOTE_READ"],"size_bytes":2048}`,
		ts, ts, nil,
	)
}

func TestNewSQLStore(t *testing.T) {
	t.Run("nil database", func(t *testing.T) {
		_, err := NewSQLStore(nil)
		assert.EqualError(t, err, "database connection is required")
	})

	t.Run("schema failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_submissions").WillReturnError(errors.New("read-only"))

		_, err = NewSQLStore(db)
		assert.ErrorContains(t, err, "failed to ensure submission tables")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_Get(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, prior_id").WithArgs("sub-1").WillReturnRows(queuedRow("sub-1", StatusQueuedForReview))
	sub, err := store.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForReview, sub.Status)
	assert.Equal(t, []Finding{{Field: "security", Message: "flagged"}}, sub.Findings)
	require.NotNil(t, sub.Descriptor)
	assert.Equal(t, capability.NewSet(capability.NoteRead), sub.Descriptor.Capabilities)
	assert.Empty(t, sub.PriorID)
	assert.Nil(t, sub.PublishedAt)

	mock.ExpectQuery("SELECT id, prior_id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransitionConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("status already moved", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, prior_id").WithArgs("sub-1").WillReturnRows(queuedRow("sub-1", StatusApproved))
		mock.ExpectRollback()

		_, err := store.Transition(ctx, "sub-1", StatusQueuedForReview, func(s *Submission) { s.Status = StatusRejected }, Event{})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost compare-and-set", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, prior_id").WithArgs("sub-1").WillReturnRows(queuedRow("sub-1", StatusQueuedForReview))
		mock.ExpectExec("UPDATE plugin_submissions").
			WithArgs(string(StatusApproved), sqlmock.AnyArg(), "rita", "ok", sqlmock.AnyArg(), sqlmock.AnyArg(), nil,
				"sub-1", string(StatusQueuedForReview)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := store.Transition(ctx, "sub-1", StatusQueuedForReview, func(s *Submission) {
			s.Status = StatusApproved
			s.Reviewer = "rita"
			s.Rationale = "ok"
		}, Event{SubmissionID: "sub-1", From: StatusQueuedForReview, To: StatusApproved})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("applied", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, prior_id").WithArgs("sub-1").WillReturnRows(queuedRow("sub-1", StatusQueuedForReview))
		mock.ExpectExec("UPDATE plugin_submissions").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO plugin_submission_events").
			WithArgs("sub-1", string(StatusQueuedForReview), string(StatusApproved), "rita", nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		sub, err := store.Transition(ctx, "sub-1", StatusQueuedForReview, func(s *Submission) {
			s.Status = StatusApproved
		}, Event{SubmissionID: "sub-1", From: StatusQueuedForReview, To: StatusApproved, Actor: "rita", At: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, sub.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_CreateRollsBackOnEventFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plugin_submissions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO plugin_submission_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	now := time.Now().UTC()
	err := store.Create(context.Background(), &Submission{ID: "sub-1", Status: StatusSubmitted, SubmittedAt: now, UpdatedAt: now},
		Event{SubmissionID: "sub-1", To: StatusSubmitted, At: now})
	assert.ErrorContains(t, err, "failed to insert submission event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// exerciseStore runs the same behavior checks against any Store
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"sub-b", "sub-a", "sub-c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, &Submission{
			ID:             id,
			PluginName:     "Todo Sync",
			Version:        "1.2.0",
			Description:    "Syncs todos",
			DeveloperName:  "Dana",
			DeveloperEmail: "dana@example.com",
			BinaryRef:      "packages/sha256/ab/cdef.jar",
			Checksum:       "abcdef",
			SizeBytes:      2048,
			Status:         StatusSubmitted,
			SubmittedAt:    at,
			UpdatedAt:      at,
		}, Event{SubmissionID: id, To: StatusSubmitted, Actor: "dana@example.com", At: at}))
	}

	listed, err := store.ListByStatus(ctx, StatusSubmitted, 2, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "sub-b", listed[0].ID)
	assert.Equal(t, "sub-a", listed[1].ID)

	listed, err = store.ListByStatus(ctx, StatusSubmitted, 10, 2)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "sub-c", listed[0].ID)

	at := base.Add(time.Hour)
	desc := &plugins.Descriptor{ID: "todo-sync", Name: "Todo Sync", Version: "1.2.0", Capabilities: capability.NewSet(capability.Render)}
	next, err := store.Transition(ctx, "sub-a", StatusSubmitted, func(s *Submission) {
		s.Status = StatusAutomatedValidation
		s.Descriptor = desc
		s.Findings = []Finding{{Field: "manifest", Message: "odd"}}
		s.UpdatedAt = at
	}, Event{SubmissionID: "sub-a", From: StatusSubmitted, To: StatusAutomatedValidation, Actor: SystemActor, At: at})
	require.NoError(t, err)
	assert.Equal(t, StatusAutomatedValidation, next.Status)

	_, err = store.Transition(ctx, "sub-a", StatusSubmitted, func(s *Submission) {
		s.Status = StatusRejected
	}, Event{SubmissionID: "sub-a", To: StatusRejected, At: at})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Transition(ctx, "nope", StatusSubmitted, func(*Submission) {}, Event{})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.Get(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, StatusAutomatedValidation, got.Status)
	require.NotNil(t, got.Descriptor)
	assert.Equal(t, capability.NewSet(capability.Render), got.Descriptor.Capabilities)
	assert.Equal(t, []Finding{{Field: "manifest", Message: "odd"}}, got.Findings)
	assert.True(t, got.UpdatedAt.Equal(at))

	history, err := store.History(ctx, "sub-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusSubmitted, history[0].To)
	assert.Empty(t, history[0].From)
	assert.Equal(t, StatusSubmitted, history[1].From)
	assert.Equal(t, SystemActor, history[1].Actor)

	_, err = store.History(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := NewSQLStore(openSQLite(t))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Submission{ID: "s", Status: StatusSubmitted}, Event{SubmissionID: "s", To: StatusSubmitted}))

	got, err := store.Get(ctx, "s")
	require.NoError(t, err)
	got.Status = StatusPublished

	again, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, again.Status)
}
