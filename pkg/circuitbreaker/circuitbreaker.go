// Package circuitbreaker keeps the level-event notifier from hammering a
// collaborator that is down: after a run of failures calls fail fast until
// a cool-down passes, then a few probes decide whether to close again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrCircuitOpen is returned without calling fn while the circuit is open.
	ErrCircuitOpen = errors.New("circuitbreaker: circuit is open")

	// ErrTooManyRequests is returned when the half-open probe budget is used up.
	ErrTooManyRequests = errors.New("circuitbreaker: too many requests in half-open state")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config holds circuit breaker configuration.
type Config struct {
	Name string

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// MaxHalfOpenRequests bounds concurrent probes.
	MaxHalfOpenRequests int

	// IsFailure decides which errors count against the circuit. The default
	// ignores the caller's own cancellation and deadline.
	IsFailure func(error) bool

	OnStateChange func(name string, from, to State)

	// Now is the time source; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns five failures, a 30s cool-down and two probes to close.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
		IsFailure:           countsAsFailure,
		Now:                 time.Now,
	}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Option is a functional option for configuring the circuit breaker.
type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

// WithTimeout sets the open-state cool-down.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) {
		if fn != nil {
			c.IsFailure = fn
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func WithNow(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// BREAKER
// ══════════════════════════════════════════════════════════════════════════════

// Counts is a snapshot of the breaker's counters.
type Counts struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Rejected             int64     `json:"rejected"`
	OpenedAt             time.Time `json:"opened_at"`
}

// CircuitBreaker guards calls to one collaborator. Safe for concurrent use.
type CircuitBreaker struct {
	config Config

	mu       sync.Mutex
	counts   Counts
	inFlight int
}

// New creates a closed breaker.
func New(name string, opts ...Option) *CircuitBreaker {
	cfg := DefaultConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CircuitBreaker{config: cfg}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts.State
}

// Counts returns a copy of the counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn when the circuit admits it and records the outcome. A
// rejected call returns ErrCircuitOpen or ErrTooManyRequests without
// running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.counts.State == StateOpen {
		if cb.config.Now().Sub(cb.counts.OpenedAt) < cb.config.Timeout {
			cb.counts.Rejected++
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.counts.State == StateHalfOpen {
		if cb.inFlight >= cb.config.MaxHalfOpenRequests {
			cb.counts.Rejected++
			return ErrTooManyRequests
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probing := cb.counts.State == StateHalfOpen
	if probing && cb.inFlight > 0 {
		cb.inFlight--
	}

	if !cb.config.IsFailure(err) {
		if err != nil {
			return
		}
		cb.counts.ConsecutiveFailures = 0
		cb.counts.ConsecutiveSuccesses++
		if probing && cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.ConsecutiveSuccesses = 0
	cb.counts.ConsecutiveFailures++
	if probing || cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.counts.OpenedAt = cb.config.Now()
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.counts.State
	if from == to {
		return
	}
	cb.counts.State = to
	cb.counts.ConsecutiveSuccesses = 0
	switch to {
	case StateClosed:
		cb.counts.ConsecutiveFailures = 0
		cb.counts.OpenedAt = time.Time{}
	case StateHalfOpen:
		cb.inFlight = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
