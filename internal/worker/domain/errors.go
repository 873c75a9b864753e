package domain

import "errors"

var (
	// ErrJobAlreadyClaimed is returned when a job is missing or no longer PENDING
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidPayload is returned when a stored job cannot be turned into a dispatch
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownConnection is returned when a job names a connection this service does not serve
	ErrUnknownConnection = errors.New("unknown scheduler connection")
)

// TransientError marks a local failure that is worth another delivery.
// Remote submission failures are never transient here.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError raised by op
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}
