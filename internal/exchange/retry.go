package exchange

import (
	"context"
	"fmt"
	"time"
)

const maxBackoff = 5 * time.Minute

// Retry calls fn up to attempts times with exponential backoff starting at delay.
// It stops early when ctx is done and returns the last error.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(i); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted after %d attempts: %w", i, err)
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}
