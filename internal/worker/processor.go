package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	scheduler "github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/worker/domain"
)

// processJob claims a stored job and submits it to its scheduler connection
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	logger := w.logger.With(slog.String("job_id", msg.JobID))

	// PENDING → DISPATCHING
	job, err := w.storage.ClaimJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Job already claimed, skipping")
			return err
		}
		return domain.Transient("claim job", err)
	}

	queue, ok := w.queues[job.Connection]
	if !ok {
		return w.fail(ctx, job, fmt.Errorf("%w: %s", domain.ErrUnknownConnection, job.Connection))
	}

	if !json.Valid([]byte(job.Data)) {
		return w.fail(ctx, job, fmt.Errorf("%w: data is not valid JSON", domain.ErrInvalidPayload))
	}

	env, err := queue.Build(payload.NamedJob{
		Handler: job.Handler,
		Data:    json.RawMessage(job.Data),
		Label:   job.Label,
	}, job.Queue)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}

	if err := w.storage.AttachEnvelope(ctx, job.JobID, env.UUID); err != nil {
		return w.fail(ctx, job, err)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	remoteID, err := queue.PushRaw(dispatchCtx, env, job.Queue, job.StartAt)
	if err != nil {
		return w.fail(ctx, job, err)
	}

	// DISPATCHING → DISPATCHED
	if err := w.storage.MarkDispatched(ctx, job.JobID, remoteID); err != nil {
		// the remote job exists; resubmitting would run it twice
		logger.Error("Failed to record dispatch",
			slog.String("remote_id", remoteID),
			slog.Any("error", err),
		)
		return nil
	}

	logger.Info("Job dispatched",
		slog.String("handler", job.Handler),
		slog.String("connection", job.Connection),
		slog.String("uuid", env.UUID),
		slog.String("remote_id", remoteID),
	)
	return nil
}

// fail marks the job FAILED and returns cause, which is never requeued
func (w *Worker) fail(ctx context.Context, job *domain.Job, cause error) error {
	if err := w.storage.MarkDispatchFailed(ctx, job.JobID, cause.Error()); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	level := slog.LevelError
	if errors.Is(cause, scheduler.ErrDispatch) {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "Job not dispatched",
		slog.String("job_id", job.JobID),
		slog.String("handler", job.Handler),
		slog.Any("error", cause),
	)
	return cause
}
