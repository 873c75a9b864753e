package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	scheduler "github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobStorage is the dispatch record store
type JobStorage interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	AttachEnvelope(ctx context.Context, jobID, envelopeUUID string) error
	MarkDispatched(ctx context.Context, jobID, remoteID string) error
	MarkDispatchFailed(ctx context.Context, jobID, reason string) error
}

// Dispatcher submits jobs on one scheduler connection
type Dispatcher interface {
	Build(job payload.JobDescriptor, queue string) (scheduler.JobEnvelope, error)
	PushRaw(ctx context.Context, env scheduler.JobEnvelope, queue string, startAt time.Time) (string, error)
}

// Consumer delivers RabbitMQ messages
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	WorkerID    string
	Storage     JobStorage
	Consumer    Consumer
	Queues      map[string]Dispatcher
	Concurrency int
	JobTimeout  time.Duration
}

// Worker consumes accepted jobs and submits them to the remote scheduler
type Worker struct {
	logger      *slog.Logger
	workerID    string
	storage     JobStorage
	consumer    Consumer
	queues      map[string]Dispatcher
	concurrency int
	jobTimeout  time.Duration
	jobsChan    chan *domain.JobMessage
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopChan    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("worker needs at least one scheduler connection")
	}

	concurrency := max(cfg.Concurrency, 1)
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	return &Worker{
		logger:      cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		workerID:    cfg.WorkerID,
		storage:     cfg.Storage,
		consumer:    cfg.Consumer,
		queues:      cfg.Queues,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		jobsChan:    make(chan *domain.JobMessage, concurrency),
		stopChan:    make(chan struct{}),
	}, nil
}

// Start consumes until ctx is canceled or the delivery channel closes
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting dispatch worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker")
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
