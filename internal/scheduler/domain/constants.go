package domain

import "time"

// Callback transport
const (
	CallbackPath = "/.well-known/netflex/scheduler"

	HeaderJobID       = "X-NF-JOB-ID"
	HeaderProcessedAt = "X-NF-JOB-PROCESSED-AT"
	HeaderDigest      = "X-NF-DIGEST"

	FieldToken = "token"
	FieldTask  = "task"
)

// Protocol limits
const (
	// ReplayTTL bounds how long a delivered (id, processedAt) pair is remembered.
	ReplayTTL = time.Hour

	// MaxCallbackAge is the largest accepted distance between processedAt and now.
	MaxCallbackAge = 5 * time.Minute

	// ExecutionBudget is how long a single callback may keep running a job.
	ExecutionBudget = time.Hour

	// DefaultTokenTTL is used when a connection does not configure a timeout.
	DefaultTokenTTL = time.Hour

	ReplayKeyPrefix = "scheduler-idempotency/"
)

// Remote API conventions
const (
	StartLayout     = "2006-01-02 15:04:05"
	DefaultTimezone = "Europe/Oslo"
	DefaultQueue    = "default"

	// CallQueuedHandlerRef is the handler reference stored on object and closure envelopes.
	CallQueuedHandlerRef = "scheduler.CallQueuedHandler@call"
)

// Signing modes
const (
	ModeDigest = "digest"
	ModeToken  = "token"
	ModeAuto   = "auto"
)

// Job status constants
const (
	JobStatusPending     = "PENDING"
	JobStatusDispatching = "DISPATCHING"
	JobStatusDispatched  = "DISPATCHED"
	JobStatusRunning     = "RUNNING"
	JobStatusCompleted   = "COMPLETED"
	JobStatusFailed      = "FAILED"
)
