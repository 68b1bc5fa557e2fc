package errs

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInternalError    = errors.New("internal error")
)

// Kind represents the category of engine error
type Kind string

const (
	KindConfig             Kind = "config"
	KindValidation         Kind = "validation"
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindResourceExceeded   Kind = "resource_exceeded"
	KindStorage            Kind = "storage"
	KindCircularDependency Kind = "circular_dependency"
	KindUnknownFormat      Kind = "unknown_format"
	KindInternal           Kind = "internal"
)

// EngineError is a structured error for scan engine operations
type EngineError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "store_event", "resolve")
	Module    string // Module name where error occurred, if any
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s failed in %s: %v", e.Op, e.Module, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionFailed:
		return e.Kind == KindNetwork
	case ErrInvalidInput:
		return e.Kind == KindValidation
	}

	return errors.Is(e.Err, target)
}

// New creates a new EngineError
func New(kind Kind, op string, err error) *EngineError {
	return &EngineError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// Newf creates a new EngineError from a format string
func Newf(kind Kind, op, format string, args ...interface{}) *EngineError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithModule adds the originating module name to the error
func (e *EngineError) WithModule(module string) *EngineError {
	e.Module = module
	return e
}

// isRetryable determines if an error of the given kind should be retried
func isRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindStorage, KindRateLimited:
		return true
	default:
		return false
	}
}

// Helper constructors for common kinds

func Config(op string, err error) error {
	return New(KindConfig, op, err)
}

func Validation(op string, err error) error {
	return New(KindValidation, op, err)
}

func Storage(op string, err error) error {
	return New(KindStorage, op, err)
}

// KindOf extracts the Kind from an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind == kind
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}
