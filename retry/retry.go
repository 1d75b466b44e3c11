// Package retry wraps fallible remote operations with a bounded, fixed-delay
// retry loop.
//
// Every failure is retried the same way, with the same spacing and no jitter.
//
//	convs, err := retry.Value(ctx, retry.Default, func(ctx context.Context) ([]remote.Conversation, error) {
//		return provider.Conversations(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how many attempts are made and how long to wait between them.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Delay is the fixed pause between two attempts.
	Delay time.Duration
	// OnRetry, when set, is called before each wait with the attempt number
	// that just failed and its error.
	OnRetry func(attempt int, err error)
}

// Default is 3 attempts spaced 3 seconds apart.
var Default = Policy{Attempts: 3, Delay: 3 * time.Second}

// WithHook returns a copy of p that reports failed attempts to fn.
func (p Policy) WithHook(fn func(attempt int, err error)) Policy {
	p.OnRetry = fn
	return p
}

// Do calls op until it succeeds or the policy is exhausted, and returns the last
// error. Cancelling ctx stops the wait; the returned error then carries both the
// context error and the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := wait(ctx, p.Delay); err != nil {
			return zero, errors.Join(err, last)
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", attempts, last)
}

func wait(ctx context.Context, d time.Duration) error {
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
