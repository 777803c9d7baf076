package policyfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
)

const sample = `
curve:
  base_exp: 100
  multipliers: {0: 1.0, 1: 3.5, 2: 4.0}
points:
  - {start: 1, end: 10, points: 10}
  - {start: 11, end: 1000, points: 20}
tiers:
  - {name: Silver, min_level: 11, role: silver}
  - {name: Bronze, min_level: 1, role: bronze}
channels:
  - {channel_id: 901, guild_id: 7, interval_minutes: 5, exp_per_interval: 10, active_hour_start: 0, active_hour_end: 24}
  - {channel_id: 900, guild_id: 7, interval_minutes: 1, exp_per_interval: 2, active_hour_start: 6, active_hour_end: 23}
  - {channel_id: 950, guild_id: 8, interval_minutes: 10, exp_per_interval: 5, active_hour_start: 0, active_hour_end: 24}
`

func writeFile(t *testing.T, dir, body string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestParse(t *testing.T) {
	snap, err := Parse([]byte(sample))
	require.NoError(t, err)

	p, ok := snap.Lookup(900)
	require.True(t, ok)
	assert.Equal(t, 1, p.IntervalMinutes)
	assert.Equal(t, "06:00-23:00", p.Window())

	chans := snap.Channels(7)
	require.Len(t, chans, 2)
	assert.Equal(t, shared.ChannelID(900), chans[0].ChannelID)

	assert.Equal(t, []shared.GuildID{7, 8}, snap.Guilds())

	tier, ok := snap.Tiers().Lookup(12)
	require.True(t, ok)
	assert.Equal(t, "Silver", tier.Name)

	assert.Equal(t, int64(20), snap.CurveConfig().Points.PointsFor(11))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "channels: [[["},
		{"zero interval", "channels:\n  - {channel_id: 1, guild_id: 7, interval_minutes: 0, exp_per_interval: 1, active_hour_start: 0, active_hour_end: 24}"},
		{"empty window", "channels:\n  - {channel_id: 1, guild_id: 7, interval_minutes: 1, exp_per_interval: 1, active_hour_start: 10, active_hour_end: 10}"},
		{"duplicate channel", "channels:\n  - {channel_id: 1, guild_id: 7, interval_minutes: 1, exp_per_interval: 1, active_hour_start: 0, active_hour_end: 24}\n  - {channel_id: 1, guild_id: 7, interval_minutes: 1, exp_per_interval: 1, active_hour_start: 0, active_hour_end: 24}"},
		{"nameless tier", "tiers:\n  - {min_level: 1}"},
		{"overlapping points", "points:\n  - {start: 1, end: 10, points: 1}\n  - {start: 5, end: 20, points: 1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, shared.ErrInvalidPolicy)
		})
	}
}

func TestStore_ReloadOnMtimeChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	path := writeFile(t, dir, sample, t0)

	store, err := Open(path, logger.Discard())
	require.NoError(t, err)

	changed, err := store.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "same mtime")

	writeFile(t, dir, "channels:\n  - {channel_id: 902, guild_id: 7, interval_minutes: 2, exp_per_interval: 3, active_hour_start: 0, active_hour_end: 24}", t0.Add(time.Minute))
	changed, err = store.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	_, ok, err := store.Lookup(ctx, 900)
	require.NoError(t, err)
	assert.False(t, ok, "removed channel")
	p, ok, err := store.Lookup(ctx, 902)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, p.ExpPerInterval)
}

func TestStore_InvalidReloadKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	path := writeFile(t, dir, sample, t0)

	store, err := Open(path, logger.Discard())
	require.NoError(t, err)

	writeFile(t, dir, "channels: [[[", t0.Add(time.Minute))
	changed, err := store.Reload(ctx)
	assert.Error(t, err)
	assert.False(t, changed)

	_, ok, err := store.Lookup(ctx, 900)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ConcurrentReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	path := writeFile(t, dir, sample, t0)

	store, err := Open(path, logger.Discard())
	require.NoError(t, err)
	writeFile(t, dir, sample, t0.Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Reload(ctx)
			assert.NoError(t, err)
			_, _, err = store.Lookup(ctx, 900)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, store.Snapshot().ModTime.Equal(t0.Add(time.Hour)))
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.yaml"), logger.Discard())
	assert.Error(t, err)

	_, err = Check("")
	assert.ErrorIs(t, err, ErrNoPath)
}
