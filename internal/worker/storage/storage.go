package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	scheduler "github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the dispatch service
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob moves a PENDING job to DISPATCHING and returns it.
// Only one consumer can win the claim for a given job.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING job_id, handler, data, connection, queue, label, start_at
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, scheduler.JobStatusDispatching, jobID, scheduler.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// AttachEnvelope stores the envelope uuid before submission so that an early
// callback can already find the record.
func (s *Storage) AttachEnvelope(ctx context.Context, jobID, envelopeUUID string) error {
	query := `
		UPDATE jobs
		SET envelope_uuid = $1,
		    updated_at = NOW()
		WHERE job_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, envelopeUUID, jobID); err != nil {
		return fmt.Errorf("failed to attach envelope: %w", err)
	}
	return nil
}

// MarkDispatched records the remote id. A callback that already moved the job
// past DISPATCHING keeps its status.
func (s *Storage) MarkDispatched(ctx context.Context, jobID, remoteID string) error {
	query := `
		UPDATE jobs
		SET status = CASE WHEN status = $1 THEN $2 ELSE status END,
		    remote_id = $3,
		    dispatched_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $4
	`

	_, err := s.db.ExecContext(ctx, query,
		scheduler.JobStatusDispatching, scheduler.JobStatusDispatched, remoteID, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}

	s.logger.Debug("Job marked dispatched",
		slog.String("job_id", jobID),
		slog.String("remote_id", remoteID),
	)
	return nil
}

// MarkDispatchFailed records why the job could not be submitted
func (s *Storage) MarkDispatchFailed(ctx context.Context, jobID, reason string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, scheduler.JobStatusFailed, reason, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
