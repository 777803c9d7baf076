package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	var transitions []string
	cb := New("notifier",
		WithFailureThreshold(2),
		WithTimeout(time.Minute),
		WithNow(func() time.Time { return now }),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := New("notifier", WithFailureThreshold(1), WithTimeout(time.Second), WithNow(func() time.Time { return now }))
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(time.Second)
	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("still down") })

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := New("notifier", WithFailureThreshold(1))
	ctx := context.Background()

	err := cb.Execute(ctx, func(context.Context) error { return context.DeadlineExceeded })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("down") })
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)
	counts := cb.Counts()
	assert.Equal(t, int64(1), counts.Rejected)
	assert.Equal(t, 1, counts.ConsecutiveFailures)
	assert.False(t, counts.OpenedAt.IsZero())
}

func TestCircuitBreaker_CustomClassifier(t *testing.T) {
	errIgnored := errors.New("bad payload")
	cb := New("notifier", WithFailureThreshold(1), WithIsFailure(func(err error) bool {
		return err != nil && !errors.Is(err, errIgnored)
	}))

	_ = cb.Execute(context.Background(), func(context.Context) error { return errIgnored })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
