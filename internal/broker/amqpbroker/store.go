package amqpbroker

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobrelay/internal/domain"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL error code for a duplicate primary key
const uniqueViolation = "23505"

// jobRow is the jobs table row
type jobRow struct {
	JobID           string         `db:"job_id"`
	Queue           string         `db:"queue"`
	FunctionKey     string         `db:"function_key"`
	Arguments       []byte         `db:"arguments"`
	Codec           string         `db:"codec"`
	Status          string         `db:"status"`
	Result          []byte         `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	WorkerID        sql.NullString `db:"worker_id"`
	EnqueuedAt      time.Time      `db:"enqueued_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

const selectColumns = `job_id, queue, function_key, arguments, codec, status, result,
	error_message, worker_id, enqueued_at, started_at, last_heartbeat_at, completed_at`

// Store handles the job record table
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the jobs table and its indexes if missing
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert writes a queued row
func (s *Store) Insert(ctx context.Context, row *jobRow) error {
	query := `
		INSERT INTO jobs (job_id, queue, function_key, arguments, codec, status, enqueued_at, updated_at)
		VALUES (:job_id, :queue, :function_key, :arguments, :codec, :status, :enqueued_at, :enqueued_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrJobAlreadyExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// DeleteQueued removes a row no worker has claimed yet. It undoes an
// insert whose message never reached RabbitMQ.
func (s *Store) DeleteQueued(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM jobs
		WHERE job_id = $1
		  AND status = $2
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, string(domain.StatusQueued)); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Get loads a row, hiding terminal rows completed before cutoff
func (s *Store) Get(ctx context.Context, jobID string, cutoff time.Time) (*jobRow, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM jobs
		WHERE job_id = $1
		  AND (completed_at IS NULL OR completed_at > $2)
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, cutoff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &row, nil
}

// Claim moves a queued row to started using optimistic locking
func (s *Store) Claim(ctx context.Context, jobID, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = $3,
		    last_heartbeat_at = $3,
		    updated_at = $3
		WHERE job_id = $4
		  AND status = $5
	`

	res, err := s.db.ExecContext(ctx, query,
		string(domain.StatusStarted), workerID, now, jobID, string(domain.StatusQueued))
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	return s.checkAffected(ctx, res, jobID)
}

// Complete moves a started row to finished or failed
func (s *Store) Complete(ctx context.Context, jobID string, status domain.Status, result []byte, errorMsg string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = $3,
		    completed_at = $4,
		    updated_at = $4
		WHERE job_id = $5
		  AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query,
		string(status), result, sql.NullString{String: errorMsg, Valid: errorMsg != ""}, now, jobID, string(domain.StatusStarted))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return s.checkAffected(ctx, res, jobID)
}

// Heartbeat refreshes last_heartbeat_at for a started row
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = $1,
		    worker_id = $2,
		    updated_at = $1
		WHERE job_id = $3
		  AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, now, workerID, jobID, string(domain.StatusStarted))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return s.checkAffected(ctx, res, jobID)
}

// ReapStale fails started rows on queue whose heartbeat is older than cutoff
func (s *Store) ReapStale(ctx context.Context, queue, reason string, cutoff, now time.Time) ([]string, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = $3,
		    updated_at = $3
		WHERE queue = $4
		  AND status = $5
		  AND last_heartbeat_at < $6
		RETURNING job_id
	`

	var ids []string
	err := s.db.SelectContext(ctx, &ids, query,
		string(domain.StatusFailed), reason, now, queue, string(domain.StatusStarted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Warn("Reaped jobs with expired lease",
			slog.String("queue", queue),
			slog.Int("count", len(ids)),
		)
	}
	return ids, nil
}

// checkAffected distinguishes a missing row from a row in the wrong state
// when a conditional update touched nothing
func (s *Store) checkAffected(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}

	s.logger.Warn("Job status transition rejected",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return domain.ErrInvalidTransition
}
