package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/model"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Schema creates the dispatch record table
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id          UUID PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		handler         TEXT NOT NULL,
		data            JSONB NOT NULL DEFAULT 'null',
		connection      TEXT NOT NULL,
		queue           TEXT NOT NULL DEFAULT '',
		label           TEXT NOT NULL DEFAULT '',
		start_at        TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		envelope_uuid   TEXT NOT NULL DEFAULT '',
		remote_id       TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT '',
		result          JSONB,
		dispatched_at   TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_envelope_uuid ON jobs (envelope_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at_job_id ON jobs (created_at DESC, job_id DESC)`,
}

const jobColumns = `
	job_id, idempotency_key, handler, data, connection, queue, label,
	start_at, status, envelope_uuid, remote_id, error_message, result,
	dispatched_at, completed_at, created_at, updated_at
`

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(pg *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// CreateJob inserts job. When a record with the same idempotency key already
// exists, job is overwritten with it and created is false.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) (created bool, err error) {
	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, handler, data, connection,
			queue, label, start_at, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.Handler,
		job.Data,
		job.Connection,
		job.Queue,
		job.Label,
		job.StartAt,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := s.getJob(ctx, "idempotency_key", job.IdempotencyKey.String)
	if err != nil {
		return false, err
	}
	*job = *existing
	return false, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, "job_id", jobID)
}

func (s *Storage) getJob(ctx context.Context, column, value string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + column + ` = $1`

	err := s.db.GetContext(ctx, &job, query, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	Handler    string
	Status     string
	Connection string
	PageSize   int
	Cursor     *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Handler != "" {
		query += fmt.Sprintf(" AND handler = $%d", argIdx)
		args = append(args, filter.Handler)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Connection != "" {
		query += fmt.Sprintf(" AND connection = $%d", argIdx)
		args = append(args, filter.Connection)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// one extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// MarkRunning records that a callback started running the job with this envelope uuid
func (s *Storage) MarkRunning(ctx context.Context, uuid string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = '', updated_at = NOW()
		WHERE envelope_uuid = $2
	`
	return s.updateByEnvelope(ctx, uuid, domain.JobStatusRunning, query, domain.JobStatusRunning, uuid)
}

// MarkCompleted stores the job result
func (s *Storage) MarkCompleted(ctx context.Context, uuid string, result any) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = $1, result = $2, completed_at = NOW(), updated_at = NOW()
		WHERE envelope_uuid = $3
	`
	return s.updateByEnvelope(ctx, uuid, domain.JobStatusCompleted, query, domain.JobStatusCompleted, resultJSON, uuid)
}

// MarkFailed stores why the callback could not run the job
func (s *Storage) MarkFailed(ctx context.Context, uuid string, reason string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE envelope_uuid = $3
	`
	return s.updateByEnvelope(ctx, uuid, domain.JobStatusFailed, query, domain.JobStatusFailed, reason, uuid)
}

// updateByEnvelope ignores unknown uuids: jobs pushed outside the API have no record
func (s *Storage) updateByEnvelope(ctx context.Context, uuid, status, query string, args ...any) error {
	if uuid == "" {
		return nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Debug("No dispatch record for callback",
			slog.String("uuid", uuid),
			slog.String("status", status),
		)
	}
	return nil
}
