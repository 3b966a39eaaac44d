package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when MaxAttempts retryable failures occurred.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a fixed-interval polling policy. MaxAttempts of zero retries
// until the context ends or a terminal error is returned.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// OnRetry, if set, is called before each wait with the attempt number
	// and the retryable error that caused it.
	OnRetry func(attempt int, err error)
}

// Default polls once a second forever.
func Default() Policy {
	return Policy{Interval: time.Second}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a transient condition such as backpressure or a
// chunk that is not yet available.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Do calls fn until it succeeds, returns a terminal error, the attempts run
// out or ctx is done. Terminal errors are returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var r *retryableError
		if !errors.As(err, &r) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, r.err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, r.err)
		}

		if timer == nil {
			timer = time.NewTimer(p.Interval)
		} else {
			timer.Reset(p.Interval)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), r.err)
		case <-timer.C:
		}
	}
}
