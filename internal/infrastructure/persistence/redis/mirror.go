package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION MIRROR
// ══════════════════════════════════════════════════════════════════════════════

// SessionMirror implements voice.SessionMirror. Presentation processes read
// voice:sessions:{guild} to show who is earning right now.
type SessionMirror struct {
	client *Client
}

// NewSessionMirror creates a mirror.
func NewSessionMirror(client *Client) *SessionMirror {
	return &SessionMirror{client: client}
}

// Started stores the session under the member's field.
func (m *SessionMirror) Started(ctx context.Context, e shared.SessionStartedEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return m.client.rdb.HSet(ctx, SessionsKey(e.GuildID), e.UserID.String(), data).Err()
}

// Ended removes the field unless a newer session already replaced it.
func (m *SessionMirror) Ended(ctx context.Context, e shared.SessionEndedEvent) error {
	key := SessionsKey(e.GuildID)
	field := e.UserID.String()

	raw, err := m.client.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		// redis.Nil: nothing mirrored.
		return ignoreNil(err)
	}
	var current shared.SessionStartedEvent
	if json.Unmarshal([]byte(raw), &current) == nil && current.SessionID != e.SessionID {
		return nil
	}
	return m.client.rdb.HDel(ctx, key, field).Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// Notifier implements leveling.Notifier. Every call passes through a circuit
// breaker so a dead Redis fails fast instead of stalling event handlers.
type Notifier struct {
	client  *Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewNotifier creates a notifier. breaker may be nil.
func NewNotifier(client *Client, breaker *circuitbreaker.CircuitBreaker) *Notifier {
	if breaker == nil {
		breaker = circuitbreaker.New("redis-notifier")
	}
	return &Notifier{client: client, breaker: breaker}
}

// LevelChanged records the new level and publishes the transition.
func (n *Notifier) LevelChanged(ctx context.Context, e shared.LevelChangedEvent) error {
	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := n.client.rdb.TxPipeline()
		pipe.HSet(ctx, LevelsKey(e.GuildID), e.UserID.String(), strconv.Itoa(e.NewLevel))
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		pipe.Publish(ctx, ChannelLevelChanged, data)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// RequestRoleSync publishes a tier role change for the gateway.
func (n *Notifier) RequestRoleSync(ctx context.Context, req leveling.RoleSyncRequest) error {
	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.client.publishJSON(ctx, ChannelRoleSync, req)
	})
}

// State exposes the breaker state for health checks.
func (n *Notifier) State() circuitbreaker.State {
	return n.breaker.State()
}
