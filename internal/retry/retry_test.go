package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("tmp_full")

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := Policy{Interval: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errBusy)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnTerminal(t *testing.T) {
	terminal := errors.New("invalid_session")
	p := Policy{Interval: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	require.False(t, IsRetryable(err))
	require.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	var retried []int
	p := Policy{MaxAttempts: 3, Interval: time.Millisecond, OnRetry: func(n int, err error) {
		require.ErrorIs(t, err, errBusy)
		retried = append(retried, n)
	}}
	err := p.Do(context.Background(), func(context.Context) error {
		return Retryable(errBusy)
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Policy{Interval: time.Hour}.Do(ctx, func(context.Context) error {
		return Retryable(errBusy)
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryableNil(t *testing.T) {
	require.NoError(t, Retryable(nil))
	require.True(t, IsRetryable(Retryable(errBusy)))
	require.ErrorIs(t, Retryable(errBusy), errBusy)
}
