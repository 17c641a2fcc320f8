package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		transient bool
		rejected  bool
	}{
		{"nil", nil, false, false},
		{"transient", fmt.Errorf("place: %w", ErrTransient), true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"net", &net.OpError{Op: "dial", Err: errors.New("connection reset")}, true, false},
		{"rate limit", &RateLimitError{RetryAfter: 2 * time.Second}, true, false},
		{"5xx", StatusError(503, "unavailable"), true, false},
		{"would trigger", ErrWouldTrigger, false, true},
		{"margin", fmt.Errorf("place: %w", ErrInsufficientMargin), false, true},
		{"4xx", StatusError(400, "bad qty"), false, true},
		{"duplicate", ErrDuplicateClientID, false, false},
		{"unknown", ErrUnknownOrder, false, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.rejected, IsRejected(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &RateLimitError{RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Equal(t, time.Duration(0), RetryAfter(ErrTransient))
	assert.Equal(t, time.Second, RetryAfter(StatusError(429, "slow down")))
	assert.NoError(t, StatusError(200, "ok"))
	assert.True(t, errors.Is(ErrWouldTrigger, ErrRejected))
}
