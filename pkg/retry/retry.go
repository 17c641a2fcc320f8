// Package retry holds the one backoff policy used for every gateway call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted wraps the last error once all attempts are spent.
var ErrExhausted = errors.New("retry attempts exhausted")

type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// Retryable decides which errors are worth another attempt. Nil
	// retries everything except context cancellation.
	Retryable func(error) bool
	// MinDelay lets an error impose a floor on the next delay, e.g. a
	// venue's Retry-After.
	MinDelay func(error) time.Duration
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep waits for d or until ctx is done. Tests swap it out.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is three attempts starting at one second, doubling, capped at
// four seconds, with ten percent jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Delay returns the wait after the given failed attempt (1-based),
// before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(base) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	j := p.Jitter
	if j <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	v := float64(d) + float64(d)*j*(rand.Float64()*2-1)
	if v < 0 {
		v = 0
	}
	return time.Duration(v)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs op until it succeeds, returns a non-retryable error, ctx ends,
// or attempts run out. op receives the 1-based attempt number. When
// attempts run out the result wraps both ErrExhausted and the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if !p.retryable(err) || attempt == attempts {
			break
		}

		d := p.jittered(p.Delay(attempt))
		if p.MinDelay != nil {
			if floor := p.MinDelay(err); floor > d {
				d = floor
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
		if err := sleep(ctx, d); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, last)
		}
	}

	if p.retryable(last) {
		return &ExhaustedError{Attempts: attempts, Err: last}
	}
	return last
}

type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
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
