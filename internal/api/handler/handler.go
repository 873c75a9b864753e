package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/model"
	"github.com/cuongbtq/remote-scheduler/internal/api/storage"
)

// JobStore persists dispatch records
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) (bool, error)
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
}

// Publisher hands accepted jobs to the dispatch service
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// QueueSizer reports the remote queue size of a connection
type QueueSizer interface {
	QueueSize(ctx context.Context, connection string) (int, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      JobStore
	Publisher Publisher
	Queues    QueueSizer

	// DefaultConnection is used when a request names none. Connections lists
	// every other accepted name.
	DefaultConnection string
	Connections       []string

	Now func() time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger            *slog.Logger
	jobs              JobStore
	publisher         Publisher
	queues            QueueSizer
	defaultConnection string
	connections       map[string]bool
	now               func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	connections := map[string]bool{deps.DefaultConnection: true}
	for _, name := range deps.Connections {
		connections[name] = true
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &JobHandler{
		logger:            deps.Logger,
		jobs:              deps.Jobs,
		publisher:         deps.Publisher,
		queues:            deps.Queues,
		defaultConnection: deps.DefaultConnection,
		connections:       connections,
		now:               now,
	}
}
