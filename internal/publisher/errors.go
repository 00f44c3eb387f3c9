package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNoCredentials = errors.New("publisher: missing credentials")
	ErrEmptyPayload  = errors.New("publisher: empty payload")
)

// Permanent marks an error as not worth retrying (auth revoked, content
// rejected, duplicate status).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks an error as retryable (network hiccup, upstream 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// MediaFailed marks a failure to fetch or attach media. The caller may retry
// at once with the media URL inlined into the text.
func MediaFailed(err error) error {
	if err == nil {
		return nil
	}
	return mediaError{err: err}
}

// RetryAfter attaches an upstream throttling hint to a transient error.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: Transient(err), after: after}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type mediaError struct{ err error }

func (e mediaError) Error() string { return fmt.Sprintf("media: %v", e.err) }
func (e mediaError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

func IsMediaFailure(err error) bool {
	var e mediaError
	return errors.As(err, &e)
}

// IsTransient is true for explicitly transient errors and for anything
// unclassified except context cancellation by the caller.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) || IsMediaFailure(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// RetryAfterHint returns the upstream delay hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e RetryAfterError
	if errors.As(err, &e) {
		return e.RetryAfter(), true
	}
	return 0, false
}

// classifyStatus maps an HTTP status code to the retry classes.
func classifyStatus(code int, err error) error {
	switch {
	case code == 429 || code == 420:
		return Transient(err)
	case code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// classifyNetwork wraps timeouts and connection failures as transient.
func classifyNetwork(err error) error {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}
