package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrObjectNotFound is returned when the requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the requested bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidObjectName is returned when an object name is empty or escapes
	// the bucket namespace.
	ErrInvalidObjectName = errors.New("invalid object name")

	// ErrNoDownloadURL is returned when the backend has no way to serve the
	// object over plain HTTP (e.g. a local store without a configured base URL).
	ErrNoDownloadURL = errors.New("no download endpoint configured")

	// ErrUnauthorized is returned when the backend refused the credentials
	// in play.
	ErrUnauthorized = errors.New("unauthorized")

	// errTransient tags an error as retryable. Use MarkTransient to apply it.
	errTransient = errors.New("transient backend error")
)

// MarkTransient wraps err so that IsTransient reports it as retryable.
// Backends use this for failures they know to be temporary but that do not
// match the generic connection-error patterns.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

// CodedError carries a backend-specific error code (a googleapi reason, an
// S3 error code, an HTTP status) alongside the underlying failure.
type CodedError struct {
	ErrCode string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.ErrCode, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// WithCode attaches a backend-specific code to err. A nil err or empty code
// passes through unchanged.
func WithCode(code string, err error) error {
	if err == nil || code == "" {
		return err
	}
	return &CodedError{ErrCode: code, Err: err}
}

// Code extracts the backend-specific code from err, or "" when none was
// attached.
func Code(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.ErrCode
	}
	return ""
}

// transientPatterns are substrings of error text that indicate a temporary
// connection-level failure worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"unexpected eof",
	"server closed",
	"service unavailable",
	"too many requests",
}

// IsTransient reports whether err looks like a temporary failure that a
// retry might clear. Context cancellation and deadline expiry are never
// transient: they mean the caller gave up, not the backend.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, errTransient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
