package nostr

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Retry calls fn until it succeeds, returns a non-retryable error (see IsRetryable) or
// attempts runs out. limiter spaces the attempts; a nil limiter retries immediately.
func Retry(ctx context.Context, limiter *rate.Limiter, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				if err == nil {
					return werr
				}
				return fmt.Errorf("%w (gave up: %s)", err, werr)
			}
		}

		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		DebugLogger.Printf("attempt %d/%d failed: %s", i+1, attempts, err)
	}
	return err
}
