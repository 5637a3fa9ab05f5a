package invoker

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is the default SleepFunc
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextDelay returns the delay to use after the current one
func nextDelay(policy domain.RetryPolicy, current time.Duration) time.Duration {
	if policy.Backoff == domain.BackoffExponential {
		return current * 2
	}
	return current
}
