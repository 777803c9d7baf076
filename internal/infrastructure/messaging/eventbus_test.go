package messaging

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
)

var member = shared.MemberKey{UserID: 42, GuildID: 7}

func levelEvent() shared.Event {
	return shared.NewLevelChangedEvent(member, 4, 5, 10, 40, "voice", time.Now())
}

func TestInMemoryEventBus_SyncRoutesByType(t *testing.T) {
	bus := NewInMemoryEventBus(Config{Logger: logger.Discard()})

	var level, all int
	require.NoError(t, bus.Subscribe(shared.EventLevelChanged, func(e shared.Event) error {
		level++
		return nil
	}))
	require.NoError(t, bus.Subscribe(shared.EventSessionStarted, func(e shared.Event) error {
		t.Fatal("wrong type")
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all++
		return errors.New("counted, not returned")
	}))

	require.NoError(t, bus.Publish(levelEvent()))
	assert.Equal(t, 1, level)
	assert.Equal(t, 1, all)

	m := bus.Metrics()
	assert.Equal(t, int64(1), m.Published)
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, int64(1), m.Failed)
}

func TestInMemoryEventBus_AsyncDrainsOnClose(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 2, Logger: logger.Discard()})

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventLevelChanged, func(e shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	}))

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(levelEvent()))
	}
	require.NoError(t, bus.Close())

	m := bus.Metrics()
	assert.Equal(t, int64(4), int64(calls.Load())+m.Dropped)
	assert.ErrorIs(t, bus.Publish(levelEvent()), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelChanged, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(Config{Logger: logger.Discard()})
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		panic("boom")
	}))

	assert.NotPanics(t, func() { _ = bus.Publish(levelEvent()) })
	assert.Equal(t, int64(1), bus.Metrics().Failed)
}

func TestInMemoryEventBus_Validation(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultConfig())
	defer bus.Close()

	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelChanged, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeAll(nil), ErrNilHandler)
	assert.Error(t, bus.Publish(nil))
}
