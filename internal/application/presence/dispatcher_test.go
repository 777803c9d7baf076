package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

func TestDispatcher_RoutesChanges(t *testing.T) {
	f := newFixture(t, tenAM)
	d := NewDispatcher(f.registry, f.book, logger.Discard())
	ctx := context.Background()

	res, err := d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA, To: chanMain})
	require.NoError(t, err)
	assert.Equal(t, voice.ChangeJoin, res.Kind)
	assert.Equal(t, OutcomeStarted, res.Outcome)
	assert.Equal(t, 1, f.registry.Len())

	ch, ok, _ := f.book.ChannelOf(ctx, guildA, 7)
	require.True(t, ok)
	assert.Equal(t, chanMain, ch)

	res, err = d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanMain, To: chanFast})
	require.NoError(t, err)
	assert.Equal(t, voice.ChangeMove, res.Kind)
	assert.Equal(t, OutcomeStarted, res.Outcome)
	assert.Equal(t, chanFast, f.registry.Snapshot(guildA)[0].ChannelID)

	res, err = d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanFast, To: chanIdle})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEligible, res.Outcome)
	assert.Equal(t, 0, f.registry.Len())

	_, err = d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanIdle})
	require.NoError(t, err)
	_, ok, _ = f.book.ChannelOf(ctx, guildA, 7)
	assert.False(t, ok)
}

func TestDispatcher_IgnoresBotsAndNoops(t *testing.T) {
	f := newFixture(t, tenAM)
	d := NewDispatcher(f.registry, f.book, logger.Discard())
	ctx := context.Background()

	res, err := d.Dispatch(ctx, voice.PresenceChange{UserID: 9, GuildID: guildA, To: chanMain, Bot: true})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, 0, f.registry.Len())

	members, _ := f.book.Members(ctx, guildA)
	require.Len(t, members, 1)
	assert.True(t, members[0].Bot)

	res, err = d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanMain, To: chanMain})
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	_, err = d.Dispatch(ctx, voice.PresenceChange{UserID: 7, GuildID: guildA})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestDispatcher_RestrictedJoin(t *testing.T) {
	f := newFixture(t, tenAM)
	f.gates.setRestricted(7, true)
	d := NewDispatcher(f.registry, f.book, logger.Discard())

	res, err := d.Dispatch(context.Background(), voice.PresenceChange{UserID: 7, GuildID: guildA, To: chanMain})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestricted, res.Outcome)
	assert.Equal(t, 0, f.registry.Len())
}

func TestResyncGuild(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	f.book.Replace(guildA, []voice.Member{
		{UserID: 1, ChannelID: chanMain},
		{UserID: 2, ChannelID: chanMain},
		{UserID: 3, ChannelID: chanIdle},
		{UserID: 4, ChannelID: chanMain, Bot: true},
	})

	rep, err := f.registry.ResyncGuild(ctx, guildA)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 2, f.registry.Len())

	first := f.sessionID(t, 1)

	rep, err = f.registry.ResyncGuild(ctx, guildA)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Unchanged)
	assert.False(t, rep.Changed())
	assert.Equal(t, first, f.sessionID(t, 1))

	f.book.Replace(guildA, []voice.Member{
		{UserID: 2, ChannelID: chanFast},
	})

	rep, err = f.registry.ResyncGuild(ctx, guildA)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Moved)
	assert.Equal(t, 1, rep.Ended)
	require.Equal(t, 1, f.registry.Len())
	assert.Equal(t, chanFast, f.registry.Snapshot(guildA)[0].ChannelID)

	leave, ok := f.audit.leaveOf(first)
	require.True(t, ok)
	assert.Equal(t, voice.EndStale, leave.reason)
}

func TestResyncGuild_UnmonitoredGuild(t *testing.T) {
	f := newFixture(t, tenAM)

	_, err := f.registry.ResyncGuild(context.Background(), 77)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResyncAll(t *testing.T) {
	f := newFixture(t, tenAM)
	f.book.Replace(guildA, []voice.Member{{UserID: 1, ChannelID: chanMain}})

	reports, err := f.registry.ResyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Created)
}

func TestStateBook(t *testing.T) {
	b := NewStateBook()
	ctx := context.Background()

	b.Apply(voice.PresenceChange{UserID: 2, GuildID: guildA, To: chanMain})
	b.Apply(voice.PresenceChange{UserID: 1, GuildID: guildA, To: chanFast})

	members, err := b.Members(ctx, guildA)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, shared.UserID(1), members[0].UserID)

	b.Apply(voice.PresenceChange{UserID: 1, GuildID: guildA, From: chanFast})
	b.Apply(voice.PresenceChange{UserID: 2, GuildID: guildA, From: chanMain})
	members, _ = b.Members(ctx, guildA)
	assert.Empty(t, members)
}
