package upstream

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy is an explicit, data-only description of the inner retry tier:
// how many attempts, how the delay grows, and which errors qualify. It is
// wrapped around upstream call sites; the worker-level requeue is a second,
// coarser tier on top of this one.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry; each subsequent wait
	// doubles, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether an error qualifies for another attempt.
	// When nil, IsRetryable is used.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the upstream service's tolerances: three
// attempts, exponential backoff from 1s capped at 8s, transient errors only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
	}
}

// Do runs fn under the policy, sleeping between attempts. The last error is
// returned when attempts are exhausted or the error is not retryable.
// Context cancellation aborts the wait immediately.
func (p RetryPolicy) Do(ctx context.Context, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if !retryable(err) || attempt == maxAttempts {
			return err
		}

		delay := p.delay(attempt)
		log.Warn("retrying upstream operation",
			"op", op,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay.String(),
			"error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// delay computes the capped exponential backoff for the given 1-based
// attempt number.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
