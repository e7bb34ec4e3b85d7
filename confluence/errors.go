package confluence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// AuthError indicates the credential was rejected (HTTP 401/403). Fatal to
// the whole run.
type AuthError struct {
	Status int
	Err    error
}

func (e AuthError) Error() string {
	return fmt.Errorf("authentication failed (status %d): %w", e.Status, e.Err).Error()
}

func (e AuthError) Unwrap() error {
	return e.Err
}

// SpaceNotFoundError indicates the requested space does not exist or is not
// visible. Fatal to that space only.
type SpaceNotFoundError struct {
	Key string
	Err error
}

func (e SpaceNotFoundError) Error() string {
	return fmt.Errorf("space %q not found: %w", e.Key, e.Err).Error()
}

func (e SpaceNotFoundError) Unwrap() error {
	return e.Err
}

// RateLimitedError indicates the server throttled the request (HTTP 429).
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e RateLimitedError) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e RateLimitedError) Unwrap() error {
	return e.Err
}

// TransientError indicates a retryable failure: timeout, connection error,
// or an HTTP 5xx.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return fmt.Errorf("transient: %w", e.Err).Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// PermanentError indicates a non-retryable HTTP failure (4xx other than
// auth and rate limiting). The page is skipped and recorded.
type PermanentError struct {
	Status int
	Err    error
}

func (e PermanentError) Error() string {
	return fmt.Errorf("permanent (status %d): %w", e.Status, e.Err).Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// retryable reports whether a request that failed with err may be retried.
func retryable(err error) bool {
	var transient TransientError
	if errors.As(err, &transient) {
		return true
	}
	var rateLimited RateLimitedError
	return errors.As(err, &rateLimited)
}

// classifyNetError wraps transport-level failures into the taxonomy.
func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientError{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TransientError{Err: err}
	}
	// url.Error wraps most transport failures; treat the rest as transient
	// too since no HTTP status was received.
	return TransientError{Err: err}
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var auth AuthError
	if errors.As(err, &auth) {
		return "auth"
	}
	var notFound SpaceNotFoundError
	if errors.As(err, &notFound) {
		return "space_not_found"
	}
	var rateLimited RateLimitedError
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var transient TransientError
	if errors.As(err, &transient) {
		return "transient"
	}
	var permanent PermanentError
	if errors.As(err, &permanent) {
		return "permanent"
	}
	return "other"
}
