package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeCode classifies realtime provider error codes worth another attempt.
func IsRetryableRealtimeCode(code string) bool {
	switch code {
	case "server_error", "rate_limit_exceeded", "session_expired", "internal_error":
		return true
	default:
		return false
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn up to attempts times with capped exponential backoff between tries.
// Errors marked Permanent stop the loop and are returned unwrapped.
func Do(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoff := retry.NewExponential(base)
	if cap > 0 {
		backoff = retry.WithCappedDuration(cap, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		return retry.RetryableError(err)
	})
}
