package amqpbroker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobrelay/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStore(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

var rowColumns = []string{
	"job_id", "queue", "function_key", "arguments", "codec", "status", "result",
	"error_message", "worker_id", "enqueued_at", "started_at", "last_heartbeat_at", "completed_at",
}

func TestStore_Claim(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "queued row is claimed",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").
					WithArgs("started", "worker-a", now, "job-1", "queued").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "missing row",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT status FROM jobs").
					WithArgs("job-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}))
			},
			wantErr: domain.ErrJobNotFound,
		},
		{
			name: "row already started",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT status FROM jobs").
					WithArgs("job-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("started"))
			},
			wantErr: domain.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setup(mock)

			err := store.Claim(context.Background(), "job-1", "worker-a", now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_Complete(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("UPDATE jobs").
		WithArgs("failed", sqlmock.AnyArg(), sqlmock.AnyArg(), now, "job-1", "started").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Complete(context.Background(), "job-1", domain.StatusFailed, nil, "boom", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(&pq.Error{Code: uniqueViolation})

	err := store.Insert(context.Background(), &jobRow{JobID: "job-1", Queue: "default", Status: "queued"})
	assert.ErrorIs(t, err, domain.ErrJobAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteQueued(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("job-1", "queued").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteQueued(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	cutoff := time.Now().Add(-time.Minute)

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM jobs").
			WithArgs("job-1", cutoff).
			WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(
				"job-1", "default", "jobs.echo", []byte(`{"message":"hi"}`), "json", "queued", nil,
				nil, nil, time.Now(), nil, nil, nil,
			))

		row, err := store.Get(context.Background(), "job-1", cutoff)
		require.NoError(t, err)
		assert.Equal(t, "jobs.echo", row.FunctionKey)
		assert.False(t, row.StartedAt.Valid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing or expired", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM jobs").
			WithArgs("job-1", cutoff).
			WillReturnRows(sqlmock.NewRows(rowColumns))

		_, err := store.Get(context.Background(), "job-1", cutoff)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM jobs").WillReturnError(errors.New("connection reset"))

		_, err := store.Get(context.Background(), "job-1", cutoff)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_ReapStale(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("failed", "worker lost: lease expired", now, "default", "started", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job-1").AddRow("job-2"))

	ids, err := store.ReapStale(context.Background(), "default", "worker lost: lease expired", cutoff, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
