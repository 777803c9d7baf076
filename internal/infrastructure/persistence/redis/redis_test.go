package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/circuitbreaker"
	"github.com/voicexp/voicexp/pkg/logger"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := WrapClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestVoiceState_ChannelOf(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	state := NewVoiceState(c, logger.Discard())

	mr.HSet(VoiceStateKey(7), "42", "900")
	mr.HSet(VoiceStateKey(7), "43", `{"channel_id":901,"bot":true}`)

	ch, ok, err := state.ChannelOf(ctx, 7, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shared.ChannelID(900), ch)

	ch, ok, err = state.ChannelOf(ctx, 7, 43)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shared.ChannelID(901), ch)

	_, ok, err = state.ChannelOf(ctx, 7, 44)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVoiceState_MembersSkipsMalformed(t *testing.T) {
	c, mr := newTestClient(t)
	state := NewVoiceState(c, logger.Discard())

	mr.HSet(VoiceStateKey(7), "43", `{"channel_id":901,"bot":true}`)
	mr.HSet(VoiceStateKey(7), "42", "900")
	mr.HSet(VoiceStateKey(7), "nope", "900")
	mr.HSet(VoiceStateKey(7), "44", "{broken")

	members, err := state.Members(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []voice.Member{
		{UserID: 42, ChannelID: 900},
		{UserID: 43, ChannelID: 901, Bot: true},
	}, members)
}

func TestVoiceState_Apply(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	state := NewVoiceState(c, logger.Discard())

	require.NoError(t, state.Apply(ctx, voice.PresenceChange{UserID: 42, GuildID: 7, To: 900}))
	ch, ok, err := state.ChannelOf(ctx, 7, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shared.ChannelID(900), ch)

	require.NoError(t, state.Apply(ctx, voice.PresenceChange{UserID: 42, GuildID: 7, From: 900}))
	assert.False(t, mr.Exists(VoiceStateKey(7)))
}

func TestSessionMirror_EndedKeepsNewerSession(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	mirror := NewSessionMirror(c)

	first := shared.SessionStartedEvent{SessionID: "a", UserID: 42, GuildID: 7, ChannelID: 900}
	second := shared.SessionStartedEvent{SessionID: "b", UserID: 42, GuildID: 7, ChannelID: 901}
	require.NoError(t, mirror.Started(ctx, first))
	require.NoError(t, mirror.Started(ctx, second))

	require.NoError(t, mirror.Ended(ctx, shared.SessionEndedEvent{SessionID: "a", UserID: 42, GuildID: 7}))
	assert.NotEmpty(t, mr.HGet(SessionsKey(7), "42"), "stale end must not remove the newer session")

	require.NoError(t, mirror.Ended(ctx, shared.SessionEndedEvent{SessionID: "b", UserID: 42, GuildID: 7}))
	assert.Empty(t, mr.HGet(SessionsKey(7), "42"))

	require.NoError(t, mirror.Ended(ctx, shared.SessionEndedEvent{SessionID: "c", UserID: 42, GuildID: 7}))
}

func TestNotifier_LevelChanged(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	n := NewNotifier(c, nil)

	sub := c.Redis().Subscribe(ctx, ChannelLevelChanged)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	e := shared.NewLevelChangedEvent(shared.MemberKey{UserID: 42, GuildID: 7}, 4, 5, 10, 40, "voice", time.Now())
	require.NoError(t, n.LevelChanged(ctx, e))
	assert.Equal(t, "5", mr.HGet(LevelsKey(7), "42"))

	select {
	case msg := <-sub.Channel():
		var got shared.LevelChangedEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, 5, got.NewLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("no level change published")
	}
}

func TestNotifier_BreakerOpensOnDeadServer(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	n := NewNotifier(c, breaker)
	mr.Close()

	req := leveling.RoleSyncRequest{UserID: 42, GuildID: 7, Level: 11, Tier: "Silver"}
	assert.Error(t, n.RequestRoleSync(ctx, req))
	assert.Error(t, n.RequestRoleSync(ctx, req))

	err := n.RequestRoleSync(ctx, req)
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.Equal(t, circuitbreaker.StateOpen, n.State())
}

func TestSubscriber_DeliversChanges(t *testing.T) {
	c, mr := newTestClient(t)
	sub := NewSubscriber(c, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan voice.PresenceChange, 1)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(_ context.Context, change voice.PresenceChange) error {
			got <- change
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(ChannelVoiceState)[ChannelVoiceState] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish(ChannelVoiceState, "not json")
	mr.Publish(ChannelVoiceState, `{"user_id":42,"guild_id":7,"to":900}`)

	select {
	case change := <-got:
		assert.Equal(t, voice.ChangeJoin, change.Kind())
		assert.Equal(t, shared.ChannelID(900), change.To)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
