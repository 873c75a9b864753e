package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/registry"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/replay"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
	"github.com/gin-gonic/gin"
)

// Resolver turns a verified envelope into a runnable job
type Resolver interface {
	Resolve(env domain.JobEnvelope) (*registry.Runnable, error)
}

// StatusRecorder is notified as a callback runs its job. Implementations are
// keyed by envelope uuid and must tolerate unknown ids.
type StatusRecorder interface {
	MarkRunning(ctx context.Context, uuid string) error
	MarkCompleted(ctx context.Context, uuid string, result any) error
	MarkFailed(ctx context.Context, uuid string, reason string) error
}

// Config holds callback handler configuration
type Config struct {
	Path            string
	Mode            string
	Environment     string
	MaxAge          time.Duration
	ExecutionBudget time.Duration
}

// Handler serves the scheduler callback endpoint
type Handler struct {
	cfg      Config
	keys     signing.KeySource
	guard    replay.Guard
	jobs     Resolver
	codec    *signing.TokenCodec
	recorder StatusRecorder
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Handler
type Option func(*Handler)

// WithClock overrides the time source used for staleness and token expiry
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithStatusRecorder reports job progress to r
func WithStatusRecorder(r StatusRecorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

// NewHandler creates a new Handler instance
func NewHandler(cfg Config, keys signing.KeySource, guard replay.Guard, jobs Resolver, logger *slog.Logger, opts ...Option) *Handler {
	if cfg.Path == "" {
		cfg.Path = domain.CallbackPath
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeAuto
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = domain.MaxCallbackAge
	}
	if cfg.ExecutionBudget <= 0 {
		cfg.ExecutionBudget = domain.ExecutionBudget
	}

	h := &Handler{
		cfg:    cfg,
		keys:   keys,
		guard:  guard,
		jobs:   jobs,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.codec = signing.NewTokenCodec(h.now)
	return h
}

// Register mounts the callback route on r
func (h *Handler) Register(r gin.IRoutes) {
	r.POST(h.cfg.Path, h.Handle)
}

// Handle handles POST /.well-known/netflex/scheduler
// Authenticates the callback, rejects replays and stale requests, then runs the job once
func (h *Handler) Handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.respondError(c, "unknown", fmt.Errorf("failed to read request body: %w", err))
		return
	}

	env, err := h.authenticate(c, body)
	if err != nil {
		h.respondError(c, uuidOf(body), err)
		return
	}

	logger := h.logger.With(
		slog.String("uuid", env.UUID),
		slog.String("job", env.Job),
	)

	job, err := h.jobs.Resolve(env)
	if err != nil {
		logger.Error("Failed to deserialize job", slog.Any("error", err))
		h.recordFailed(c, env.UUID, err)
		h.respondError(c, env.UUID, err)
		return
	}

	h.extendDeadline(c, logger)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.cfg.ExecutionBudget)
	defer cancel()

	if h.recorder != nil {
		if err := h.recorder.MarkRunning(ctx, env.UUID); err != nil {
			logger.Warn("Failed to record running status", slog.Any("error", err))
		}
	}

	logger.Info("Running scheduled job", slog.String("display_name", env.DisplayName))
	start := h.now()

	result, err := h.run(ctx, job)
	if err != nil {
		err = &domain.ExecutionError{JobID: env.UUID, Err: err}
		logger.Error("Scheduled job failed",
			slog.Any("error", err),
			slog.Duration("duration", h.now().Sub(start)),
		)
		h.recordFailed(c, env.UUID, err)
		h.respondError(c, env.UUID, err)
		return
	}

	logger.Info("Scheduled job completed", slog.Duration("duration", h.now().Sub(start)))
	if h.recorder != nil {
		if err := h.recorder.MarkCompleted(ctx, env.UUID, result); err != nil {
			logger.Warn("Failed to record completed status", slog.Any("error", err))
		}
	}

	resp := gin.H{
		"uuid":    env.UUID,
		"success": true,
	}
	if result != nil {
		resp["result"] = result
	}
	c.JSON(http.StatusOK, resp)
}

// authenticate runs every check that must pass before job code is touched
func (h *Handler) authenticate(c *gin.Context, body []byte) (domain.JobEnvelope, error) {
	mode := h.cfg.Mode
	if mode == domain.ModeAuto {
		mode = domain.ModeDigest
		if c.GetHeader(domain.HeaderDigest) == "" && tokenField(c, body) != "" {
			mode = domain.ModeToken
		}
	}

	if mode == domain.ModeToken {
		return h.authenticateToken(c, body)
	}
	return h.authenticateDigest(c, body)
}

func (h *Handler) authenticateDigest(c *gin.Context, body []byte) (domain.JobEnvelope, error) {
	creds := signing.DigestCredentials{
		JobID:       c.GetHeader(domain.HeaderJobID),
		ProcessedAt: c.GetHeader(domain.HeaderProcessedAt),
		Digest:      c.GetHeader(domain.HeaderDigest),
	}
	switch {
	case creds.JobID == "":
		return domain.JobEnvelope{}, &domain.MissingFieldError{Field: domain.HeaderJobID}
	case creds.ProcessedAt == "":
		return domain.JobEnvelope{}, &domain.MissingFieldError{Field: domain.HeaderProcessedAt}
	case creds.Digest == "":
		return domain.JobEnvelope{}, &domain.MissingFieldError{Field: domain.HeaderDigest}
	}

	ctx := c.Request.Context()
	keys, err := h.keys.Keys(ctx)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	if _, err := signing.VerifyDigest(creds, body, keys); err != nil {
		return domain.JobEnvelope{}, err
	}

	if err := h.checkReplay(ctx, creds.JobID, creds.ProcessedAt); err != nil {
		return domain.JobEnvelope{}, err
	}

	processedAt, ok := parseProcessedAt(creds.ProcessedAt)
	if !ok {
		return domain.JobEnvelope{}, fmt.Errorf("%w: unreadable %s", domain.ErrStaleRequest, domain.HeaderProcessedAt)
	}
	if age := h.now().Sub(processedAt); age > h.cfg.MaxAge || age < -h.cfg.MaxAge {
		return domain.JobEnvelope{}, domain.ErrStaleRequest
	}

	var env domain.JobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.JobEnvelope{}, domain.NewDeserializationError("invalid envelope: %v", err)
	}
	if env.UUID == "" {
		env.UUID = creds.JobID
	}
	return env, nil
}

func (h *Handler) authenticateToken(c *gin.Context, body []byte) (domain.JobEnvelope, error) {
	token := tokenField(c, body)
	if token == "" {
		return domain.JobEnvelope{}, &domain.MissingFieldError{Field: domain.FieldToken, Location: "field"}
	}

	ctx := c.Request.Context()
	keys, err := h.keys.Keys(ctx)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	claims, err := h.codec.Verify(token, keys)
	if err != nil {
		return domain.JobEnvelope{}, err
	}

	// each signed token carries its own jti, so (uuid, jti) identifies one delivery
	if err := h.checkReplay(ctx, claims.Data.UUID, claims.ID); err != nil {
		return domain.JobEnvelope{}, err
	}
	return claims.Data, nil
}

func (h *Handler) checkReplay(ctx context.Context, id, processedAt string) error {
	fresh, err := h.guard.CheckAndRecord(ctx, id, processedAt)
	if err != nil {
		return fmt.Errorf("failed to check replay guard: %w", err)
	}
	if !fresh {
		return domain.ErrReplayDetected
	}
	return nil
}

// run executes job. Outside local mode a panic becomes an error; in local mode
// it propagates to the router's recovery middleware with its stack trace.
func (h *Handler) run(ctx context.Context, job *registry.Runnable) (result any, err error) {
	if h.cfg.Environment != "local" {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
	}
	return job.Run(ctx)
}

func (h *Handler) extendDeadline(c *gin.Context, logger *slog.Logger) {
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(h.now().Add(h.cfg.ExecutionBudget)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("Failed to extend write deadline", slog.Any("error", err))
	}
}

func (h *Handler) recordFailed(c *gin.Context, uuid string, cause error) {
	if h.recorder == nil {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.recorder.MarkFailed(ctx, uuid, cause.Error()); err != nil {
		h.logger.Warn("Failed to record failed status",
			slog.String("uuid", uuid),
			slog.Any("error", err),
		)
	}
}

func (h *Handler) respondError(c *gin.Context, uuid string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Scheduler callback failed",
			slog.String("uuid", uuid),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	} else {
		h.logger.Warn("Scheduler callback rejected",
			slog.String("uuid", uuid),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, gin.H{
		"uuid":    uuid,
		"success": false,
		"error":   err.Error(),
	})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	// a job's own error may wrap anything; it is still a server failure
	case errors.Is(err, domain.ErrExecution),
		errors.Is(err, domain.ErrDeserialization),
		errors.Is(err, domain.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrAuthentication),
		errors.Is(err, domain.ErrReplayDetected),
		errors.Is(err, domain.ErrStaleRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
