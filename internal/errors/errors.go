// Package errors classifies failures crossing component boundaries in the relay.
//
// Every error that leaves a collaborator (firehose, bus) is one of three classes:
//
//   - Transient: retried with backoff inside the owning component
//   - Permanent: not retried, surfaced as a resolved-but-failed result (dead letter)
//   - Fatal: escalated to the pipeline supervisor
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class is the handling class of an error.
type Class int

const (
	// Transient errors are retried with backoff.
	Transient Class = iota
	// Permanent errors are never retried.
	Permanent
	// Fatal errors stop the component and are escalated.
	Fatal
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared by collaborators and components.
var (
	ErrRemoteUnavailable  = errors.New("remote endpoint unavailable")
	ErrThrottled          = errors.New("throttled by remote")
	ErrUnauthorized       = errors.New("authentication rejected")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrBusUnavailable     = errors.New("message bus unavailable")
	ErrAlreadyResolved    = errors.New("ack handle already resolved")
	ErrNotRunning         = errors.New("not running")
	ErrAlreadyRunning     = errors.New("already running")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ClassifiedError attaches a Class and the failing operation to an error.
type ClassifiedError struct {
	Class Class
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func classify(class Class, err error, op string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

// NewTransient marks err as transient.
func NewTransient(err error, op string) error { return classify(Transient, err, op) }

// NewPermanent marks err as permanent.
func NewPermanent(err error, op string) error { return classify(Permanent, err, op) }

// NewFatal marks err as fatal.
func NewFatal(err error, op string) error { return classify(Fatal, err, op) }

// Classify returns the class of err.
//
// Explicitly classified errors keep their class. Well-known sentinels map to their
// natural class. Anything else is treated as transient so the owner retries it.
func Classify(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrInvalidConfig):
		return Permanent
	case errors.Is(err, ErrReconnectExhausted),
		errors.Is(err, ErrBusUnavailable):
		return Fatal
	}
	return Transient
}

// IsTransient reports whether err should be retried.
// Context cancellation is never retried.
func IsTransient(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	return Classify(err) == Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// IsFatal reports whether err must be escalated to the supervisor.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == Fatal
}

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
