package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a job descriptor or view declaration is invalid
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is returned when an inbound payload misses a declared parameter
	ErrValidation = errors.New("validation error")

	// ErrBrokerUnavailable is returned when the broker connection cannot be used
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrJobNotFound is returned when a job id is unknown or its record expired
	ErrJobNotFound = errors.New("job not found")

	// ErrUnresolvedJob is returned when the worker has no callable for a job
	ErrUnresolvedJob = errors.New("unresolved job")

	// ErrInvalidTransition is returned when a status change would move a record backward
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobAlreadyExists is returned when a job id is enqueued twice
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrInvalidPayload is returned when a broker message cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// NewConfigurationError wraps a descriptor problem so it matches ErrConfiguration
func NewConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ValidationError reports the first declared parameter missing from a payload
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s must be set in the request", e.Field)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnresolvedJobError is raised by the worker registry when a job key has no callable
type UnresolvedJobError struct {
	Key string
}

func (e *UnresolvedJobError) Error() string {
	return fmt.Sprintf("unresolved job: no function registered for %q", e.Key)
}

func (e *UnresolvedJobError) Is(target error) bool {
	return target == ErrUnresolvedJob
}

// BrokerError wraps a transport failure so callers can match ErrBrokerUnavailable
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker unavailable: %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() []error {
	return []error{ErrBrokerUnavailable, e.Err}
}

// NewBrokerError creates a new BrokerError for the given operation
func NewBrokerError(op string, err error) error {
	return &BrokerError{Op: op, Err: err}
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
