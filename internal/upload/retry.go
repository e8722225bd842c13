package upload

import (
	"context"
	"time"
)

// RetryDelays is the wait before each attempt of a part. The first attempt
// runs immediately; a part gets len(RetryDelays) attempts in total.
var RetryDelays = []time.Duration{0, 1 * time.Second, 3 * time.Second, 5 * time.Second}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
