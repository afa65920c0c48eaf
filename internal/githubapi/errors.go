package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-github/v82/github"
)

// TransientError is a GitHub failure worth retrying: rate limiting, 5xx,
// timeouts, and connection errors.
type TransientError struct {
	Op         string
	StatusCode int           // 0 for network errors
	RetryAfter time.Duration // hint from GitHub, may be 0
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("githubapi: %s: transient (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("githubapi: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a 4xx answer that will not change on retry. 401 and 403
// mean the stored token no longer works.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("githubapi: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuthRejected reports whether GitHub refused the token (401 or a 403
// that is not a rate limit).
func IsAuthRejected(err error) bool {
	var pe *PermanentError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
}

// IsNotFound reports a 404 from GitHub.
func IsNotFound(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// RetryAfter returns the wait GitHub asked for, if any.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// classify turns a go-github error into TransientError or PermanentError.
// Cancellation of the caller's context is passed through untouched so a
// shutdown is not mistaken for a GitHub problem.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		return &TransientError{Op: op, StatusCode: statusOf(rateErr.Response), RetryAfter: max(wait, 0), Err: err}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &TransientError{Op: op, StatusCode: statusOf(abuseErr.Response), RetryAfter: abuseErr.GetRetryAfter(), Err: err}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		code := statusOf(respErr.Response)
		if code == http.StatusTooManyRequests || code >= 500 {
			return &TransientError{Op: op, StatusCode: code, Err: err}
		}
		return &PermanentError{Op: op, StatusCode: code, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &TransientError{Op: op, Err: err}
	}

	return fmt.Errorf("githubapi: %s: %w", op, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
