// Package retry wraps outbound RPC and contract reads with a bounded,
// per-attempt-timeout retry policy. State-changing calls must not go through
// this package; resubmitting a transaction risks double submission.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds an operation to Attempts tries with Timeout per attempt.
type Policy struct {
	Attempts int
	Timeout  time.Duration
}

// DefaultPolicy matches the node's read budget: two attempts, five seconds each.
var DefaultPolicy = Policy{Attempts: 2, Timeout: 5 * time.Second}

// Do runs fn under the policy and returns the first successful result. The
// last attempt's error is returned if every attempt fails or ctx is done.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		return zero, fmt.Errorf("retry %s: policy allows no attempts", op)
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry %s: %w", op, err)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}

		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return zero, fmt.Errorf("retry %s: exhausted %d attempts: %w", op, p.Attempts, lastErr)
}
