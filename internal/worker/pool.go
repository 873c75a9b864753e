package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/remote-scheduler/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned", slog.Int("worker_count", w.concurrency))
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.String("worker_name", fmt.Sprintf("%s-%d", w.workerID, workerNum)))

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case msg := <-w.jobsChan:
			w.handleMessage(ctx, logger, msg)
		}
	}
}

// handleMessage processes msg and settles its delivery
func (w *Worker) handleMessage(ctx context.Context, logger *slog.Logger, msg *domain.JobMessage) {
	err := w.processJob(ctx, msg)
	if err == nil {
		if ackErr := msg.Delivery.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("job_id", msg.JobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	logger.Warn("Job dispatch failed",
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)

	if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeueJob requeues only transient local failures. Remote submission
// failures are final: retrying them is the remote scheduler's concern.
func shouldRequeueJob(err error) bool {
	var transient *domain.TransientError
	return errors.As(err, &transient)
}
