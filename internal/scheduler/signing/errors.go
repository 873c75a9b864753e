package signing

import (
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
)

// FailureKind classifies a verification failure
type FailureKind string

const (
	NoMatchingKey FailureKind = "no_matching_key"
	Expired       FailureKind = "expired"
	Malformed     FailureKind = "malformed"
)

// VerificationError is returned when a digest or token cannot be verified
type VerificationError struct {
	Kind FailureKind
	Err  error
}

func (e *VerificationError) Error() string {
	msg := "credentials could not be verified"
	switch e.Kind {
	case NoMatchingKey:
		msg = "no candidate key matches the signature"
	case Expired:
		msg = "token has expired"
	case Malformed:
		msg = "credentials are malformed"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{domain.ErrAuthentication, e.Err}
	}
	return []error{domain.ErrAuthentication}
}

func verificationError(kind FailureKind, err error) error {
	return &VerificationError{Kind: kind, Err: err}
}
