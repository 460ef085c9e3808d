package storage

import (
	"errors"
	"fmt"

	"storkit/pkg/backend"
)

// ErrCancelled rejects the future form of a cancelled task. Cancellation is
// a terminal state of its own, not an error kind, so it is a plain sentinel
// rather than an *Error.
var ErrCancelled = errors.New("storage: transfer cancelled")

// ErrorKind classifies a storage failure.
type ErrorKind int

const (
	// KindUnknown covers failures with no better classification.
	KindUnknown ErrorKind = iota

	// KindInvalidArgument marks path, URL and format errors. These surface
	// synchronously, before any task or backend call exists.
	KindInvalidArgument

	// KindObjectNotFound means the referenced object does not exist.
	KindObjectNotFound

	// KindBucketNotFound means the referenced bucket does not exist.
	KindBucketNotFound

	// KindUnauthorized means the backend refused the credentials in play.
	KindUnauthorized

	// KindRetryLimitExceeded means the retry time budget ran out while the
	// backend kept failing transiently.
	KindRetryLimitExceeded

	// KindBackend covers all other backend and transport failures.
	KindBackend
)

// String returns the kind's wire name.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindObjectNotFound:
		return "object-not-found"
	case KindBucketNotFound:
		return "bucket-not-found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRetryLimitExceeded:
		return "retry-limit-exceeded"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is the structured failure type carried by rejected operations,
// task error states and onError callbacks: a kind, a human-readable
// message, and the backend-specific code when one is known.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage: %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("storage: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, or KindUnknown when err is not
// a storage error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// argErrorf builds a KindInvalidArgument error.
func argErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindInvalidArgument,
		Message: fmt.Sprintf(format, args...),
	}
}

// wrapBackendError classifies an error returned by a backend call. Sentinels
// from pkg/backend map to their kinds; everything else is a generic backend
// failure carrying whatever code the driver attached.
func wrapBackendError(err error, op string) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	kind := KindBackend
	switch {
	case errors.Is(err, backend.ErrObjectNotFound):
		kind = KindObjectNotFound
	case errors.Is(err, backend.ErrBucketNotFound):
		kind = KindBucketNotFound
	case errors.Is(err, backend.ErrUnauthorized):
		kind = KindUnauthorized
	case errors.Is(err, backend.ErrInvalidObjectName):
		kind = KindInvalidArgument
	}

	return &Error{
		Kind:    kind,
		Code:    backend.Code(err),
		Message: fmt.Sprintf("%s: %v", op, err),
		Err:     err,
	}
}

// retryLimitError wraps the last transient failure once the retry budget
// is spent.
func retryLimitError(err error, op string) *Error {
	return &Error{
		Kind:    KindRetryLimitExceeded,
		Code:    backend.Code(err),
		Message: fmt.Sprintf("%s: retry time budget exhausted: %v", op, err),
		Err:     err,
	}
}
