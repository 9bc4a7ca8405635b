// Package retry wraps cenkalti/backoff/v5 with the fixed-delay, bounded-
// attempt policy shared by the CI-system and per-host agent clients.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a fixed-delay retry policy: up to Attempts tries, SleepFor
// between each.
type Policy struct {
	Attempts int
	SleepFor time.Duration
}

// Permanent wraps err so Do stops retrying immediately instead of
// exhausting the remaining attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn up to p.Attempts times, sleeping p.SleepFor between failures,
// and returns the last error if every attempt fails. fn may call
// Permanent(err) to stop retrying early.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewConstantBackOff(p.SleepFor)
	return backoff.Retry(ctx, func() (T, error) {
		return fn(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxInt(p.Attempts, 1))))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsContextErr reports whether err is (or wraps) a context cancellation or
// deadline error, which Do surfaces instead of retrying further.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
