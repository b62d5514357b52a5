package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// RetryPolicy is the single reusable retry-with-backoff wrapper shared by
// every gateway call site. Delay grows as BaseDelay * 2^attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// means IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient upstream failures up to three attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
}

// IsRetryable reports whether err is a transient gateway failure. Rate-limit
// and quota errors propagate immediately and are never retried.
func IsRetryable(err error) bool {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// Do runs fn until it succeeds, the error is not retryable, attempts are
// exhausted, or the context is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
