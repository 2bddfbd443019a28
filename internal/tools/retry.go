package tools

import (
	"context"
	"errors"
	"time"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// MaxBackoff caps a single backoff delay.
const MaxBackoff = 10 * time.Minute

// ComputeBackoff returns the delay before retry number attempt+1:
// retry_delay * 2^attempt, saturating at MaxBackoff.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.RetryDelay <= 0 || attempt < 0 {
		return 0
	}
	if policy.RetryDelay >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	d := policy.Delay()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRetryableTransportError classifies a failed attempt. Caller cancellation
// is final; per-attempt timeouts and network errors are retried.
func isRetryableTransportError(parent context.Context, err error) bool {
	if err == nil {
		return false
	}
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *schema.Error
	if errors.As(err, &se) && se.Code == schema.ErrCodeCircuitOpen {
		return false
	}
	return true
}

// MaxLatency is the worst-case wall time of one invocation:
// timeout * (max_retries+1) + sum of backoff delays.
func MaxLatency(op *schema.ToolOperation) time.Duration {
	policy := op.Retry()
	total := op.TimeoutDuration() * time.Duration(policy.MaxRetries+1)
	for i := 0; i < policy.MaxRetries; i++ {
		total += ComputeBackoff(policy, i)
	}
	return total
}
