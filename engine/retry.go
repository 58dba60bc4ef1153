package engine

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the number of attempts and the backoff schedule used
// for TRANSIENT/RATE_LIMITED collaborator errors (spec.md §7). PERMANENT
// errors are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy mirrors the teacher's AssemblyAISTT poll cadence
// (500ms) scaled into a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond}
}

// Do runs op until it succeeds, exhausts MaxAttempts, or encounters a
// PERMANENT error. It never retries a PERMANENT classification.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ClassifyErr(err) == ErrKindPermanent {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}
