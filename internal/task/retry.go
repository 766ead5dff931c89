// Package task provides bounded fixed-delay retries for pipeline steps.
//
// Only idempotent steps (reads, existence checks, connection setup) should
// run through Run; steps with side effects such as DDL or batch writes get
// exactly one attempt at the call site.
package task

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Options bounds a retried step.
type Options struct {
	// Attempts is the total number of tries. Values below 1 mean 1.
	Attempts int

	// Delay is the fixed pause between consecutive tries.
	Delay time.Duration
}

// Run invokes fn until it succeeds, attempts run out, or ctx is done. The
// returned error is the last attempt's error wrapped with the step name, or
// ctx.Err when the context ended first.
func Run(ctx context.Context, name string, opt Options, fn func(ctx context.Context) error) error {
	_, err := RunValue(ctx, name, opt, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunValue is Run for steps that produce a value.
func RunValue[T any](ctx context.Context, name string, opt Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := opt.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s: %w", name, err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt < attempts {
			log.Printf("%s: attempt %d/%d failed: %v", name, attempt, attempts, err)
			if err := sleep(ctx, opt.Delay); err != nil {
				return zero, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return zero, fmt.Errorf("%s: %w", name, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
