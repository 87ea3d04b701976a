package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// defaultRetryDelay is the fixed pause between attempts.
	defaultRetryDelay = time.Second
)

// Retry executes fn up to maxAttempts times with a fixed delay between
// attempts. Only errors for which retryable returns true are retried; any
// other error is returned immediately. It returns nil on the first successful
// call, or the last error once attempts are exhausted.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if retryable != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
