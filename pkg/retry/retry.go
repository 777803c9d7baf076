// Package retry re-runs an operation with exponential backoff. It backs the
// progress store transactions, which re-read and re-apply a mutation when a
// row lock is contended, and best-effort publishes to collaborators.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ErrExhausted is joined to the last error when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MARKERS
// ══════════════════════════════════════════════════════════════════════════════

type verdict uint8

const (
	verdictRetry verdict = iota + 1
	verdictStop
)

// markedError carries an explicit retry decision made by the operation.
type markedError struct {
	err     error
	verdict verdict
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

func mark(err error, v verdict) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, verdict: v}
}

func verdictOf(err error) (verdict, error) {
	var m *markedError
	if errors.As(err, &m) {
		return m.verdict, m.err
	}
	return 0, err
}

// Retryable marks err as worth another attempt regardless of the classifier.
func Retryable(err error) error { return mark(err, verdictRetry) }

// Permanent marks err as final. Do returns the unwrapped error at once.
func Permanent(err error) error { return mark(err, verdictStop) }

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	v, _ := verdictOf(err)
	return v == verdictRetry
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	v, _ := verdictOf(err)
	return v == verdictStop
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKOFF
// ══════════════════════════════════════════════════════════════════════════════

// Backoff computes the pause before each retry.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter spreads each delay by up to ±Jitter of itself.
	Jitter float64
}

// Delay returns the pause after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(max(d, 0))
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config holds retry configuration.
type Config struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	Backoff     Backoff

	// RetryIf classifies unmarked errors. Nil retries only errors marked
	// with Retryable.
	RetryIf func(error) bool

	// OnRetry runs before each pause.
	OnRetry func(attempt int, err error, delay time.Duration)

	Clock timeutil.Clock
}

// DefaultConfig returns three attempts starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
		Clock: timeutil.SystemClock{},
	}
}

// Option is a functional option for configuring retries.
type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.Backoff.Initial = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.Backoff.Max = d
		}
	}
}

// WithMultiplier ignores values below 1.
func WithMultiplier(m float64) Option {
	return func(c *Config) {
		if m >= 1 {
			c.Backoff.Multiplier = m
		}
	}
}

// WithJitter accepts 0 to 1.
func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1 {
			c.Backoff.Jitter = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// WithClock replaces the timer source used for pauses.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRIER
// ══════════════════════════════════════════════════════════════════════════════

// Retrier runs operations under one Config. It is safe for concurrent use.
type Retrier struct {
	config Config
}

// New creates a Retrier from DefaultConfig and opts.
func New(opts ...Option) *Retrier {
	return (&Retrier{config: DefaultConfig()}).With(opts...)
}

// With returns a copy with extra options applied.
func (r *Retrier) With(opts ...Option) *Retrier {
	cfg := r.config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{config: cfg}
}

// Config returns the effective configuration.
func (r *Retrier) Config() Config {
	return r.config
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts run out. Exhaustion returns an error matching both ErrExhausted
// and the last cause. Cancellation during a pause returns the last cause.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(last, err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		v, cause := verdictOf(err)
		last = cause

		switch {
		case v == verdictStop:
			return cause
		case v != verdictRetry && !r.classify(err):
			return err
		case attempt == r.config.MaxAttempts:
			return errors.Join(ErrExhausted, cause)
		}

		delay := r.config.Backoff.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, cause, delay)
		}
		if !r.pause(ctx, delay) {
			return last
		}
	}
	return last
}

func (r *Retrier) classify(err error) bool {
	return r.config.RetryIf != nil && r.config.RetryIf(err)
}

func (r *Retrier) pause(ctx context.Context, d time.Duration) bool {
	timer := r.config.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// DoWithData runs op under r and returns its value from the successful attempt.
func DoWithData[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESETS
// ══════════════════════════════════════════════════════════════════════════════

// StoreRetrier wraps progress store transactions. Contention between the
// accrual loop and admin writers is short, so it retries quickly.
func StoreRetrier(retryIf func(error) bool) *Retrier {
	return New(
		WithMaxAttempts(5),
		WithInitialDelay(25*time.Millisecond),
		WithMaxDelay(500*time.Millisecond),
		WithJitter(0.2),
		WithRetryIf(retryIf),
	)
}

// NotifierRetrier wraps best-effort publishes to collaborators.
func NotifierRetrier() *Retrier {
	return New(
		WithMaxAttempts(3),
		WithMaxDelay(2*time.Second),
	)
}
