package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
)

// Submitter is the part of the remote API a Queue needs
type Submitter interface {
	CreateJob(ctx context.Context, req domain.DispatchRequest) (string, error)
	QueueSize(ctx context.Context, connection string) (int, error)
}

// Delay computes a start time relative to now
type Delay interface {
	startAt(now time.Time) time.Time
}

type after time.Duration

func (d after) startAt(now time.Time) time.Time { return now.Add(time.Duration(d)) }

type at time.Time

func (t at) startAt(time.Time) time.Time { return time.Time(t) }

// After delays a job by d
func After(d time.Duration) Delay { return after(d) }

// At schedules a job for an absolute instant
func At(t time.Time) Delay { return at(t) }

// QueueConfig holds the resolved settings of one connection
type QueueConfig struct {
	Connection  string
	CallbackURL string
	Mode        string
	SigningKey  string
	TokenTTL    time.Duration
	Location    *time.Location
	Hooks       []payload.Hook
}

// Queue enqueues jobs on the remote scheduler for one connection
type Queue struct {
	cfg     QueueConfig
	api     Submitter
	builder *payload.Builder
	codec   *signing.TokenCodec
	now     func() time.Time
	logger  *slog.Logger
}

// QueueOption customizes a Queue
type QueueOption func(*Queue)

// WithClock overrides the time source used for start times and tokens
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithIDGenerator overrides how envelope ids are generated
func WithIDGenerator(newID func() string) QueueOption {
	return func(q *Queue) {
		if newID != nil {
			q.builder = payload.NewBuilder(payload.Config{
				Connection: q.cfg.Connection,
				Hooks:      q.cfg.Hooks,
				NewID:      newID,
			})
		}
	}
}

// NewQueue creates a new Queue instance
func NewQueue(cfg QueueConfig, api Submitter, logger *slog.Logger, opts ...QueueOption) (*Queue, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: scheduler API client is required", domain.ErrConfiguration)
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("%w: callback URL is required", domain.ErrConfiguration)
	}
	if cfg.Mode == "" || cfg.Mode == domain.ModeAuto {
		cfg.Mode = domain.ModeDigest
	}
	if cfg.Mode == domain.ModeToken && cfg.SigningKey == "" {
		return nil, fmt.Errorf("%w: token mode requires a signing key", domain.ErrConfiguration)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = domain.DefaultTokenTTL
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(domain.DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load timezone: %v", domain.ErrConfiguration, err)
		}
		cfg.Location = loc
	}

	q := &Queue{
		cfg:     cfg,
		api:     api,
		builder: payload.NewBuilder(payload.Config{Connection: cfg.Connection, Hooks: cfg.Hooks}),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.codec = signing.NewTokenCodec(q.now)
	return q, nil
}

// ConnectionName returns the connection this queue submits to
func (q *Queue) ConnectionName() string {
	return q.cfg.Connection
}

// Push submits job on the default queue to run now
func (q *Queue) Push(ctx context.Context, job payload.JobDescriptor) (string, error) {
	return q.PushOn(ctx, domain.DefaultQueue, job)
}

// PushOn submits job on queue to run now
func (q *Queue) PushOn(ctx context.Context, queue string, job payload.JobDescriptor) (string, error) {
	return q.enqueue(ctx, queue, job, q.now())
}

// Later submits job on the default queue to run after delay
func (q *Queue) Later(ctx context.Context, delay Delay, job payload.JobDescriptor) (string, error) {
	return q.LaterOn(ctx, domain.DefaultQueue, delay, job)
}

// LaterOn submits job on queue to run after delay
func (q *Queue) LaterOn(ctx context.Context, queue string, delay Delay, job payload.JobDescriptor) (string, error) {
	return q.enqueue(ctx, queue, job, delay.startAt(q.now()))
}

// Bulk pushes jobs one by one and stops at the first failure. Jobs submitted
// before the failure stay submitted; the returned ids cover only those.
func (q *Queue) Bulk(ctx context.Context, queue string, jobs ...payload.JobDescriptor) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for i, job := range jobs {
		id, err := q.PushOn(ctx, queue, job)
		if err != nil {
			return ids, fmt.Errorf("failed to push job %d of %d: %w", i+1, len(jobs), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PushRaw submits an already built envelope
func (q *Queue) PushRaw(ctx context.Context, env domain.JobEnvelope, queue string, startAt time.Time) (string, error) {
	if startAt.IsZero() {
		startAt = q.now()
	}

	body, err := q.payloadFor(env, startAt)
	if err != nil {
		return "", err
	}

	req := domain.DispatchRequest{
		Method:   "post",
		Name:     env.Label(),
		URL:      q.cfg.CallbackURL,
		Payload:  body,
		Start:    startAt.In(q.cfg.Location).Format(domain.StartLayout),
		Enabled:  true,
		Envelope: env,
		StartAt:  startAt,
	}

	remoteID, err := q.api.CreateJob(ctx, req)
	if err != nil {
		q.logger.Error("Failed to dispatch job",
			slog.String("connection", q.cfg.Connection),
			slog.String("queue", queue),
			slog.String("uuid", env.UUID),
			slog.Any("error", err),
		)
		return "", err
	}

	q.logger.Info("Job dispatched",
		slog.String("connection", q.cfg.Connection),
		slog.String("queue", queue),
		slog.String("uuid", env.UUID),
		slog.String("name", req.Name),
		slog.String("start", req.Start),
		slog.String("remote_id", remoteID),
	)
	return remoteID, nil
}

// Size returns the number of jobs waiting on the remote side for this connection
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.api.QueueSize(ctx, q.cfg.Connection)
}

// Build returns the envelope that Push would submit for job, with its dispatch name set
func (q *Queue) Build(job payload.JobDescriptor, queue string) (domain.JobEnvelope, error) {
	env, err := q.builder.Build(job, queue)
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("failed to build payload: %w", err)
	}

	name := env.DisplayName
	if label := payload.LabelOf(job); label != "" {
		name = label
	}
	env.Name = fmt.Sprintf("%s (%s)", name, env.UUID)
	return env, nil
}

func (q *Queue) enqueue(ctx context.Context, queue string, job payload.JobDescriptor, startAt time.Time) (string, error) {
	if strings.TrimSpace(queue) == "" {
		queue = domain.DefaultQueue
	}

	env, err := q.Build(job, queue)
	if err != nil {
		return "", err
	}
	return q.PushRaw(ctx, env, queue, startAt)
}

type tokenPayload struct {
	Token       string `json:"token"`
	UUID        string `json:"uuid"`
	DisplayName string `json:"displayName"`
}

func (q *Queue) payloadFor(env domain.JobEnvelope, startAt time.Time) (json.RawMessage, error) {
	if q.cfg.Mode != domain.ModeToken {
		body, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode envelope: %w", err)
		}
		return body, nil
	}

	// the token must outlive the wait until the callback fires
	ttl := q.cfg.TokenTTL
	if wait := startAt.Sub(q.now()); wait > 0 {
		ttl += wait
	}

	token, err := q.codec.Sign(env, q.cfg.SigningKey, ttl)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(tokenPayload{Token: token, UUID: env.UUID, DisplayName: env.DisplayName})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token payload: %w", err)
	}
	return body, nil
}
