package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	ErrTransient         = errors.New("transient gateway failure")
	ErrDuplicateClientID = errors.New("duplicate client order id")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrRejected          = errors.New("order rejected")
)

// RejectError is a definitive refusal. It matches ErrRejected.
type RejectError struct {
	Code string
	Msg  string
}

func (e *RejectError) Error() string { return fmt.Sprintf("rejected (%s): %s", e.Code, e.Msg) }

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

var (
	ErrWouldTrigger       = &RejectError{Code: "WOULD_TRIGGER", Msg: "order would immediately trigger"}
	ErrInsufficientMargin = &RejectError{Code: "INSUFFICIENT_MARGIN", Msg: "margin is insufficient"}
	ErrInvalidPrecision   = &RejectError{Code: "INVALID_PRECISION", Msg: "quantity or price precision is invalid"}
	ErrReduceOnly         = &RejectError{Code: "REDUCE_ONLY", Msg: "reduce-only order would open a position"}
)

// RateLimitError is the venue asking us to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrTransient }

// StatusError maps an HTTP status from a venue client onto the taxonomy.
func StatusError(code int, msg string) error {
	switch {
	case code == http.StatusTooManyRequests || code == 418:
		return &RateLimitError{RetryAfter: time.Second}
	case code >= 500:
		return fmt.Errorf("%w: http %d: %s", ErrTransient, code, msg)
	case code >= 400:
		return &RejectError{Code: fmt.Sprintf("HTTP_%d", code), Msg: msg}
	}
	return nil
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// RetryAfter returns the backoff the venue asked for, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
