// Package messaging is the in-process event bus that carries level and
// session events from the write path to their handlers.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
)

var (
	ErrEventBusClosed = errors.New("messaging: event bus is closed")
	ErrHandlerPanic   = errors.New("messaging: handler panicked")
	ErrNilHandler     = errors.New("messaging: handler cannot be nil")
	errNilEvent       = errors.New("messaging: event cannot be nil")
)

// wildcard keys handlers subscribed with SubscribeAll.
const wildcard shared.EventType = "*"

// Config tunes an InMemoryEventBus.
type Config struct {
	// AsyncMode runs handlers off the publisher's goroutine.
	AsyncMode bool

	// WorkerPoolSize bounds concurrently running async handlers.
	WorkerPoolSize int

	Logger *slog.Logger
}

// DefaultConfig is async with ten workers.
func DefaultConfig() Config {
	return Config{AsyncMode: true, WorkerPoolSize: 10}
}

// ══════════════════════════════════════════════════════════════════════════════
// BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus implements shared.EventBus.
//
// Sync mode delivers on the publisher's goroutine, in subscription order.
// Async mode returns once deliveries are scheduled; ordering between events
// is then not guaranteed.
type InMemoryEventBus struct {
	async bool
	slots chan struct{}
	log   *slog.Logger
	stats counters

	mu     sync.RWMutex
	routes map[shared.EventType][]shared.EventHandler
	done   chan struct{}
	closed bool

	inflight sync.WaitGroup
}

func NewInMemoryEventBus(cfg Config) *InMemoryEventBus {
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = DefaultConfig().WorkerPoolSize
	}
	return &InMemoryEventBus{
		async:  cfg.AsyncMode,
		slots:  make(chan struct{}, size),
		log:    logger.OrDefault(cfg.Logger).With(logger.Component("eventbus")),
		routes: make(map[shared.EventType][]shared.EventHandler),
		done:   make(chan struct{}),
	}
}

func (b *InMemoryEventBus) route(key shared.EventType, h shared.EventHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.routes[key] = append(b.routes[key], h)
	return nil
}

// Subscribe registers h for one event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, h shared.EventHandler) error {
	return b.route(eventType, h)
}

// SubscribeAll registers h for every event. It runs after the typed handlers.
func (b *InMemoryEventBus) SubscribeAll(h shared.EventHandler) error {
	return b.route(wildcard, h)
}

// Publish delivers event to its handlers. Handler failures are logged and
// counted, never returned to the publisher.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	targets := append(append([]shared.EventHandler(nil), b.routes[event.EventType()]...), b.routes[wildcard]...)
	if b.async {
		// Registered under the read lock so Close cannot start waiting first.
		b.inflight.Add(len(targets))
	}
	b.mu.RUnlock()

	b.stats.published.Add(1)
	for _, h := range targets {
		if !b.async {
			b.deliver(event, h)
			continue
		}
		go func() {
			defer b.inflight.Done()
			select {
			case b.slots <- struct{}{}:
			case <-b.done:
				b.stats.dropped.Add(1)
				return
			}
			defer func() { <-b.slots }()
			b.deliver(event, h)
		}()
	}
	return nil
}

func (b *InMemoryEventBus) deliver(event shared.Event, h shared.EventHandler) {
	began := time.Now()
	err := invoke(event, h)
	if err == nil {
		b.stats.succeeded.Add(1)
		return
	}
	b.stats.failed.Add(1)
	b.log.Error("event handler failed",
		slog.String("event_type", string(event.EventType())),
		slog.String("aggregate_id", event.AggregateID()),
		logger.Latency(time.Since(began)),
		logger.Err(err))
}

func invoke(event shared.Event, h shared.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return h(event)
}

// Close refuses further work and waits for running handlers. Deliveries
// still queued for a worker slot are dropped and counted. Safe to call twice.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.inflight.Wait()
	b.log.Info("event bus closed", slog.Any("metrics", b.Metrics()))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

type counters struct {
	published, succeeded, failed, dropped atomic.Int64
}

// MetricsSnapshot counts publishes and handler outcomes since start.
type MetricsSnapshot struct {
	Published int64 `json:"published"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (b *InMemoryEventBus) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Published: b.stats.published.Load(),
		Succeeded: b.stats.succeeded.Load(),
		Failed:    b.stats.failed.Load(),
		Dropped:   b.stats.dropped.Load(),
	}
}
