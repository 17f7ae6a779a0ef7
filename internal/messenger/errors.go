package messenger

import (
	"errors"
	"fmt"
)

// Class groups provider errors by what the caller should do next.
type Class int

const (
	// Retryable errors are transient: network failures, 5xx, throttling.
	Retryable Class = iota
	// Fatal errors mean the channel itself is unusable, e.g. rejected credentials.
	Fatal
	// Permanent errors affect only one recipient and will not succeed on retry.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError carries a Class and a machine-readable reason.
type ClassifiedError struct {
	Class  Class
	Reason string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Reason, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewFatal wraps err as a channel-level failure.
func NewFatal(reason string, err error) error {
	return &ClassifiedError{Class: Fatal, Reason: reason, Err: err}
}

// NewPermanent wraps err as a recipient-level failure.
func NewPermanent(reason string, err error) error {
	return &ClassifiedError{Class: Permanent, Reason: reason, Err: err}
}

// NewRetryable wraps err as a transient failure.
func NewRetryable(reason string, err error) error {
	return &ClassifiedError{Class: Retryable, Reason: reason, Err: err}
}

// Classify returns the class and reason of err. Unclassified errors are retryable.
func Classify(err error) (Class, string) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, ce.Reason
	}
	return Retryable, "unclassified"
}
