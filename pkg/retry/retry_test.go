package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayAfter(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"linear first", Linear(3, time.Second), 1, time.Second},
		{"linear third", Linear(3, time.Second), 3, 3 * time.Second},
		{"fixed", Policy{Delay: time.Second, Backoff: BackoffFixed}, 4, time.Second},
		{"exponential", Policy{Delay: time.Second, Backoff: BackoffExponential}, 3, 4 * time.Second},
		{"capped", Policy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
		{"zero attempt", Linear(3, time.Second), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.DelayAfter(tt.attempt))
		})
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var waits []time.Duration
	p := Linear(3, time.Second)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	calls := 0
	err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		return errors.New("offline")
	})

	require.EqualError(t, err, "offline")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestDoReturnsOnSuccess(t *testing.T) {
	p := Linear(3, 0)
	var seen []int
	err := Do(context.Background(), p, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Linear(3, time.Second), func(context.Context, int) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
