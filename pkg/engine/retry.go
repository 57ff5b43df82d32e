package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is the single retry abstraction shared by the provisioner
// and cloud provider calls: bounded attempts, exponential backoff with
// jitter, and a retryable-error predicate.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying.
	// Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Retryable:   IsRetryable,
	}
}

// Do runs op until it succeeds, exhausts attempts, hits a non-retryable
// error, or the context is cancelled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return err
		}
		select {
		case <-time.After(p.backoff(attempt, err)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// backoff computes the delay before retry attempt+1 with +/-25% jitter.
// Throttled errors start from a longer base delay.
func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 1 * time.Second
	}
	if IsThrottled(err) {
		base *= 5
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}
