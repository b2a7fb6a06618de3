package generic

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds how often a lost serialization race is retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy retries three times with a short linear backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. The last error is returned wrapped so callers can
// still match ErrConcurrentMutationConflict.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
