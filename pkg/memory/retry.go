package memory

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// retryPolicy bounds retries of transient embedding failures.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    float64 // fraction of the delay randomized in both directions
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		maxDelay:  8 * time.Second,
		jitter:    0.2,
	}
}

// delayFor computes the backoff delay for a zero-based attempt index.
func (p retryPolicy) delayFor(attempt int) time.Duration {
	delay := p.baseDelay << attempt
	if delay > p.maxDelay || delay <= 0 {
		delay = p.maxDelay
	}
	if p.jitter > 0 {
		spread := float64(delay) * p.jitter
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
	}
	return delay
}

// withRetry runs fn with exponential backoff on retryable errors.
// Non-retryable errors propagate immediately.
func withRetry(ctx context.Context, policy retryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < policy.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}
		if attempt == policy.attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delayFor(attempt)):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.attempts, lastErr)
}
