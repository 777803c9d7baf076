package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/application/presence"
	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

type stubProgress struct {
	leveling.Repository
	rows  map[shared.MemberKey]leveling.Progress
	top   []leveling.Progress
	gotBy leveling.RankBy
	gotN  int
}

func (s *stubProgress) Find(_ context.Context, key shared.MemberKey) (leveling.Progress, error) {
	p, ok := s.rows[key]
	if !ok {
		return leveling.Progress{}, shared.ErrProgressNotFound
	}
	return p, nil
}

func (s *stubProgress) Top(_ context.Context, _ shared.GuildID, by leveling.RankBy, limit int) ([]leveling.Progress, error) {
	s.gotBy, s.gotN = by, limit
	return s.top, nil
}

type staticTiers leveling.TierTable

func (t staticTiers) Tiers() leveling.TierTable { return leveling.TierTable(t) }

func testTiers(t *testing.T) staticTiers {
	t.Helper()
	table, err := leveling.NewTierTable([]leveling.Tier{
		{Name: "Bronze", MinLevel: 1, Role: "111"},
		{Name: "Silver", MinLevel: 11, Role: "222"},
	})
	require.NoError(t, err)
	return staticTiers(table)
}

type stubSessions struct {
	views     []voice.SessionView
	resyncErr error
	resynced  int
}

func (s *stubSessions) Snapshot(shared.GuildID) []voice.SessionView { return s.views }

func (s *stubSessions) ResyncGuild(_ context.Context, g shared.GuildID) (presence.ResyncReport, error) {
	s.resynced++
	if s.resyncErr != nil {
		return presence.ResyncReport{}, s.resyncErr
	}
	return presence.ResyncReport{GuildID: g, Created: 1}, nil
}

func TestGetCurveTable(t *testing.T) {
	h := NewGetCurveTableHandler(leveling.MustDefaultCurve())

	res, err := h.Handle(GetCurveTableQuery{From: 9, To: 12, ExpPerMinute: 2})
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)

	assert.Equal(t, int64(900), res.Rows[0].Required)
	assert.Equal(t, int64(3150), res.Rows[2].Required)
	assert.Equal(t, 1, res.Rows[2].Tier)
	assert.Equal(t, "7h30m", res.Rows[0].LevelTime)
	assert.Equal(t, 148, res.MaxLevel)

	res, err = h.Handle(GetCurveTableQuery{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 20)
	assert.Empty(t, res.Rows[0].LevelTime)

	_, err = h.Handle(GetCurveTableQuery{From: 5, To: 2})
	assert.Error(t, err)
}

func TestGetCurveTable_TopLevelDoesNotOverflow(t *testing.T) {
	c := leveling.MustDefaultCurve()
	res, err := NewGetCurveTableHandler(c).Handle(GetCurveTableQuery{From: c.MaxLevel(), To: c.MaxLevel(), ExpPerMinute: 1})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "∞", res.Rows[0].TotalTime)
}

func TestGetLeaderboard(t *testing.T) {
	repo := &stubProgress{top: []leveling.Progress{
		{UserID: 5, GuildID: 1, Level: 12, Points: 110},
		{UserID: 6, GuildID: 1, Level: 3, Points: 20},
	}}
	h := NewGetLeaderboardHandler(repo, testTiers(t))

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{GuildID: 1, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, leveling.RankByPoints, repo.gotBy)
	assert.Equal(t, MaxLeaderboardLimit, repo.gotN)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, 1, res.Entries[0].Rank)
	assert.Equal(t, "Silver", res.Entries[0].Tier)
	assert.Equal(t, "Bronze", res.Entries[1].Tier)

	_, err = h.Handle(context.Background(), GetLeaderboardQuery{GuildID: 1, By: "karma"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestGetLevelInfo(t *testing.T) {
	curve := leveling.MustDefaultCurve()
	key := shared.MemberKey{UserID: 5, GuildID: 1}
	p, _ := curve.ApplyCredit(leveling.NewProgress(key), 5600)
	repo := &stubProgress{rows: map[shared.MemberKey]leveling.Progress{key: p}}

	h := NewGetLevelInfoHandler(LevelInfoDeps{Repo: repo, Curve: curve, Tiers: testTiers(t), Logger: logger.Discard()})

	res, err := h.Handle(context.Background(), GetLevelInfoQuery{UserID: 5, GuildID: 1})
	require.NoError(t, err)
	assert.True(t, res.Known)
	assert.Equal(t, 11, res.Info.Level)
	assert.Equal(t, int64(100), res.Info.Exp)
	assert.Equal(t, int64(3150), res.Info.Required)
	assert.Equal(t, "Silver", res.TierName)
	assert.Equal(t, "222", res.TierRole)
	assert.Nil(t, res.Restrictions)

	res, err = h.Handle(context.Background(), GetLevelInfoQuery{UserID: 9, GuildID: 1})
	require.NoError(t, err)
	assert.False(t, res.Known)
	assert.Equal(t, 1, res.Info.Level)
	assert.Equal(t, "Bronze", res.TierName)

	_, err = h.Handle(context.Background(), GetLevelInfoQuery{UserID: 9})
	assert.ErrorIs(t, err, shared.ErrInvalidMember)
}

func TestGetActiveSessions(t *testing.T) {
	policy := voice.ChannelPolicy{ChannelID: 100, GuildID: 1, Name: "Lounge", IntervalMinutes: 5, ExpPerInterval: 10, ActiveHourStart: 6, ActiveHourEnd: 24}
	src := &stubSessions{views: []voice.SessionView{
		{Session: voice.Session{ID: "a", UserID: 5, GuildID: 1, ChannelID: 100, Policy: policy}, Elapsed: 12 * time.Minute, ExpEarned: 20, Credits: 2},
		{Session: voice.Session{ID: "b", UserID: 6, GuildID: 1, ChannelID: 100, Policy: policy}, Elapsed: 3 * time.Minute},
	}}
	clock := timeutil.NewManualClock(time.Date(2024, 5, 1, 10, 12, 0, 0, time.UTC))
	h := NewGetActiveSessionsHandler(src, clock, logger.Discard())

	res, err := h.Handle(context.Background(), GetActiveSessionsQuery{GuildID: 1, Resync: true})
	require.NoError(t, err)
	require.NotNil(t, res.Resync)
	assert.Equal(t, 1, res.Resync.Created)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, int64(20), res.ExpEarned)
	assert.Equal(t, "12m", res.Sessions[0].Elapsed)
	assert.Equal(t, "5m", res.Sessions[0].Interval)
	assert.Equal(t, "06:00-24:00", res.Sessions[0].ActiveHours)
	assert.Equal(t, "Lounge", res.Sessions[0].ChannelName)

	src.resyncErr = errors.New("gateway down")
	res, err = h.Handle(context.Background(), GetActiveSessionsQuery{GuildID: 1, Resync: true})
	require.NoError(t, err)
	assert.Nil(t, res.Resync)
	assert.Equal(t, 2, res.Total)

	src.resyncErr = shared.ErrGuildNotMonitored
	_, err = h.Handle(context.Background(), GetActiveSessionsQuery{GuildID: 1, Resync: true})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = h.Handle(context.Background(), GetActiveSessionsQuery{Resync: true})
	assert.Error(t, err)
}
