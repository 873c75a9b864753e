package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a callback is missing credentials or no candidate key matches
	ErrAuthentication = errors.New("authentication failed")

	// ErrReplayDetected is returned when the same (id, processedAt) pair is delivered twice
	ErrReplayDetected = errors.New("this request has already been received")

	// ErrStaleRequest is returned when processedAt is outside the accepted window
	ErrStaleRequest = errors.New("this request is too old, we won't process it")

	// ErrDeserialization is returned when a verified payload cannot be turned into a runnable job
	ErrDeserialization = errors.New("failed to deserialize job")

	// ErrExecution is returned when a job handler fails while running
	ErrExecution = errors.New("job execution failed")

	// ErrDispatch is returned when the remote scheduling API rejects or cannot receive a submission
	ErrDispatch = errors.New("failed to dispatch job")

	// ErrConfiguration is returned when no usable signing key or API endpoint is configured
	ErrConfiguration = errors.New("scheduler is not configured")

	// ErrJobNotFound is returned when a dispatch record cannot be found
	ErrJobNotFound = errors.New("job not found")
)

// MissingFieldError reports an absent authentication header or body field
type MissingFieldError struct {
	Field string

	// Location is "header" unless set
	Location string
}

func (e *MissingFieldError) Error() string {
	location := e.Location
	if location == "" {
		location = "header"
	}
	return e.Field + " " + location + " is missing"
}

func (e *MissingFieldError) Unwrap() error {
	return ErrAuthentication
}

// DispatchError wraps a failed submission to the remote scheduling API
type DispatchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrDispatch.Error(), e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", ErrDispatch.Error(), e.StatusCode, e.Body)
}

func (e *DispatchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDispatch, e.Err}
	}
	return []error{ErrDispatch}
}

// ExecutionError wraps the error returned (or panic raised) by a job handler
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// NewDeserializationError marks err as a deserialization failure
func NewDeserializationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeserialization, fmt.Sprintf(format, args...))
}
