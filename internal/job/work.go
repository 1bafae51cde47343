package job

import (
	"context"
	"time"
)

// Sleep returns an operation that waits for d and reports how long it
// actually waited. It stops early with ctx.Err() when ctx is cancelled.
func Sleep(d time.Duration) func(context.Context) (time.Duration, error) {
	return func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-timer.C:
			return time.Since(start), nil
		}
	}
}

// spinBatch is how many iterations run between clock and ctx checks.
const spinBatch = 1 << 14

// Spin returns an operation that keeps one CPU busy for d. The result is the
// number of iterations performed.
func Spin(d time.Duration) func(context.Context) (uint64, error) {
	return func(ctx context.Context) (uint64, error) {
		deadline := time.Now().Add(d)
		var n, acc uint64
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			for i := 0; i < spinBatch; i++ {
				acc = acc*6364136223846793005 + 1442695040888963407
			}
			n += spinBatch
		}
		return n, nil
	}
}
