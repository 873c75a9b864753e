// Package jobs holds the jobs this host can run when the remote scheduler
// calls back. Every binary that builds envelopes or resolves them registers
// the same set through Register.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/registry"
)

// Named handler references accepted by the job API
const (
	PingHandler    = "jobs.Ping@handle"
	CleanupHandler = "jobs.Cleanup"
)

// FlushCacheClosure is the name of the cache flush closure
const FlushCacheClosure = "cache.flush"

// Register adds every job to reg
func Register(reg *registry.Registry, logger *slog.Logger) error {
	if err := reg.RegisterCommand(func() payload.Command {
		return &SendReport{logger: logger}
	}); err != nil {
		return fmt.Errorf("failed to register report command: %w", err)
	}

	if err := reg.RegisterHandler(PingHandler, ping); err != nil {
		return fmt.Errorf("failed to register ping handler: %w", err)
	}

	if err := reg.RegisterHandler(CleanupHandler, cleanup(logger)); err != nil {
		return fmt.Errorf("failed to register cleanup handler: %w", err)
	}

	if err := reg.RegisterClosure(FlushCacheClosure, func(ctx context.Context) error {
		logger.InfoContext(ctx, "Cache flushed")
		return nil
	}); err != nil {
		return fmt.Errorf("failed to register cache flush closure: %w", err)
	}

	return nil
}

// SendReport renders a report and mails it to Recipient
type SendReport struct {
	ReportID  string `json:"report_id"`
	Recipient string `json:"recipient"`
	Label     string `json:"label,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`

	sentAt time.Time
	logger *slog.Logger
}

func (r *SendReport) Kind() string { return "reports.send" }

func (r *SendReport) DisplayName() string { return "Send report" }

func (r *SendReport) JobLabel() string { return r.Label }

func (r *SendReport) MaxTries() int {
	if r.Attempts > 0 {
		return r.Attempts
	}
	return 3
}

func (r *SendReport) Timeout() time.Duration { return 2 * time.Minute }

func (r *SendReport) RetryAfter() (time.Duration, bool) { return 30 * time.Second, true }

func (r *SendReport) RetryUntil() (time.Time, bool) { return time.Time{}, false }

func (r *SendReport) Handle(ctx context.Context) error {
	if r.ReportID == "" {
		return fmt.Errorf("report_id is required")
	}
	if !strings.Contains(r.Recipient, "@") {
		return fmt.Errorf("invalid recipient: %q", r.Recipient)
	}

	r.sentAt = time.Now().UTC()
	if r.logger != nil {
		r.logger.InfoContext(ctx, "Report sent",
			slog.String("report_id", r.ReportID),
			slog.String("recipient", r.Recipient),
		)
	}
	return nil
}

func (r *SendReport) Result() any {
	return map[string]any{
		"report_id": r.ReportID,
		"sent_at":   r.sentAt.Format(time.RFC3339),
	}
}

type pingData struct {
	Message string `json:"message"`
}

func ping(_ context.Context, data json.RawMessage) (any, error) {
	var in pingData
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("invalid ping data: %w", err)
		}
	}
	if in.Message == "" {
		in.Message = "pong"
	}
	return map[string]string{"message": in.Message}, nil
}

type cleanupData struct {
	Table         string `json:"table"`
	OlderThanDays int    `json:"older_than_days"`
}

// cleanup handles every jobs.Cleanup@method reference
func cleanup(logger *slog.Logger) registry.HandlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var in cleanupData
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("invalid cleanup data: %w", err)
		}
		if in.Table == "" {
			return nil, fmt.Errorf("table is required")
		}
		if in.OlderThanDays <= 0 {
			in.OlderThanDays = 30
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -in.OlderThanDays)
		logger.InfoContext(ctx, "Cleanup requested",
			slog.String("table", in.Table),
			slog.Time("cutoff", cutoff),
		)
		return map[string]any{"table": in.Table, "cutoff": cutoff.Format(time.RFC3339)}, nil
	}
}
