package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/pkg/timeutil"
)

var errBusy = errors.New("busy")

func fastRetrier(opts ...Option) *Retrier {
	base := []Option{WithInitialDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond), WithJitter(0)}
	return New(append(base, opts...)...)
}

func TestRetrier_SucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	err := fastRetrier(WithMaxAttempts(4)).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errBusy)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_ExhaustedKeepsCause(t *testing.T) {
	attempts := 0
	err := fastRetrier(WithMaxAttempts(3)).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Retryable(errBusy)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBusy)
}

func TestRetrier_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := fastRetrier(WithMaxAttempts(5)).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(errBusy)
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, errBusy, err)
}

func TestRetrier_RetryIfClassifier(t *testing.T) {
	attempts := 0
	r := fastRetrier(WithMaxAttempts(5), WithRetryIf(func(err error) bool { return errors.Is(err, errBusy) }))

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errBusy
		}
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastRetrier().Do(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), fastRetrier(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errBusy)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestStoreRetrierPreset(t *testing.T) {
	cfg := StoreRetrier(nil).Config()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Backoff.Initial)
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(4))

	b.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
}

func TestRetrier_PausesOnInjectedClock(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(WithMaxAttempts(2), WithInitialDelay(time.Minute), WithMaxDelay(time.Minute), WithJitter(0), WithClock(clock))

	var delays []time.Duration
	r = r.With(WithOnRetry(func(_ int, _ error, d time.Duration) { delays = append(delays, d) }))

	done := make(chan error, 1)
	attempts := 0
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			attempts++
			return Retryable(errBusy)
		})
	}()

	require.True(t, clock.WaitForTimers(1, time.Second))
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier did not resume after the clock advanced")
	}
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Minute}, delays)
}
