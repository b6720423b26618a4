package manifest

import (
	"context"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
)

// RetryPolicy controls repeated reads of retryable failures.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type readFunc func(ctx context.Context, attempt int) ([]byte, error)

type retryHook func(attempt int, wait time.Duration, err error)

func readWithRetry(ctx context.Context, policy RetryPolicy, onRetry retryHook, fn readFunc) ([]byte, int, error) {
	normalized := normalizeRetryPolicy(policy)
	var lastErr error

	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		var data []byte
		data, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return data, attempt, nil
		}
		if attempt == normalized.MaxAttempts || !catalog.IsRetryable(lastErr) {
			return nil, attempt, lastErr
		}

		wait := retryBackoffDuration(normalized, attempt)
		if onRetry != nil {
			onRetry(attempt, wait, lastErr)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, normalized.MaxAttempts, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.Backoff < 0 {
		out.Backoff = 0
	}
	return out
}

func retryBackoffDuration(policy RetryPolicy, attempt int) time.Duration {
	if policy.Backoff <= 0 || attempt <= 0 {
		return 0
	}
	return policy.Backoff * time.Duration(attempt)
}
