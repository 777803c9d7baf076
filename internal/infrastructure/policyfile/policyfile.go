// Package policyfile loads channel policies, tiers and curve tunables from a
// YAML file and serves them as an immutable snapshot that is swapped whole
// when the file changes.
package policyfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FILE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

// File is the YAML document.
//
//	curve:
//	  base_exp: 100
//	  multipliers: {1: 3.5, 2: 4.0}
//	points:
//	  - {start: 1, end: 10, points: 10}
//	tiers:
//	  - {name: Bronze, min_level: 1, role: bronze}
//	channels:
//	  - {channel_id: 900, guild_id: 7, interval_minutes: 5, exp_per_interval: 10,
//	     active_hour_start: 6, active_hour_end: 24}
type File struct {
	Curve    CurveSection          `yaml:"curve"`
	Points   leveling.PointTable   `yaml:"points"`
	Tiers    []leveling.Tier       `yaml:"tiers"`
	Channels []voice.ChannelPolicy `yaml:"channels"`
}

// CurveSection overrides curve defaults. Zero values keep the default.
type CurveSection struct {
	BaseExp     int             `yaml:"base_exp"`
	MaxLevel    int             `yaml:"max_level"`
	Multipliers map[int]float64 `yaml:"multipliers"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is one validated version of the file. It is never mutated.
type Snapshot struct {
	channels map[shared.ChannelID]voice.ChannelPolicy
	byGuild  map[shared.GuildID][]voice.ChannelPolicy
	guilds   []shared.GuildID
	tiers    leveling.TierTable
	curve    leveling.CurveConfig

	ModTime time.Time
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidPolicy, err)
	}
	return build(f)
}

func build(f File) (*Snapshot, error) {
	s := &Snapshot{
		channels: make(map[shared.ChannelID]voice.ChannelPolicy, len(f.Channels)),
		byGuild:  make(map[shared.GuildID][]voice.ChannelPolicy),
		curve:    leveling.DefaultCurveConfig(),
	}

	for _, p := range f.Channels {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.channels[p.ChannelID]; dup {
			return nil, fmt.Errorf("%w: channel %d listed twice", shared.ErrInvalidPolicy, p.ChannelID)
		}
		s.channels[p.ChannelID] = p
		s.byGuild[p.GuildID] = append(s.byGuild[p.GuildID], p)
	}
	for g, list := range s.byGuild {
		sort.Slice(list, func(i, j int) bool { return list[i].ChannelID < list[j].ChannelID })
		s.guilds = append(s.guilds, g)
	}
	sort.Slice(s.guilds, func(i, j int) bool { return s.guilds[i] < s.guilds[j] })

	tiers, err := leveling.NewTierTable(f.Tiers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidPolicy, err)
	}
	s.tiers = tiers

	if f.Curve.BaseExp != 0 {
		s.curve.BaseExp = f.Curve.BaseExp
	}
	if f.Curve.MaxLevel != 0 {
		s.curve.MaxLevel = f.Curve.MaxLevel
	}
	if len(f.Curve.Multipliers) > 0 {
		s.curve.Multipliers = f.Curve.Multipliers
	}
	if len(f.Points) > 0 {
		s.curve.Points = f.Points
	}
	if _, err := leveling.NewCurve(s.curve); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidPolicy, err)
	}
	return s, nil
}

// Lookup returns a copy of the channel's policy.
func (s *Snapshot) Lookup(channelID shared.ChannelID) (voice.ChannelPolicy, bool) {
	p, ok := s.channels[channelID]
	return p, ok
}

// Channels returns a copy of the guild's policies sorted by channel.
func (s *Snapshot) Channels(guildID shared.GuildID) []voice.ChannelPolicy {
	return append([]voice.ChannelPolicy(nil), s.byGuild[guildID]...)
}

// Guilds returns every guild with at least one policy.
func (s *Snapshot) Guilds() []shared.GuildID {
	return append([]shared.GuildID(nil), s.guilds...)
}

// Tiers returns the tier table.
func (s *Snapshot) Tiers() leveling.TierTable {
	return s.tiers
}

// CurveConfig returns the curve tunables.
func (s *Snapshot) CurveConfig() leveling.CurveConfig {
	return s.curve
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store implements voice.PolicyStore over a file. Readers always see one
// whole snapshot; a reload that fails validation keeps the previous one.
type Store struct {
	path   string
	snap   atomic.Pointer[Snapshot]
	group  singleflight.Group
	logger *slog.Logger
}

// Open loads path. A missing or invalid file is an error here; later
// reloads only log.
func Open(path string, log *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.OrDefault(log).With(logger.Component("policyfile")),
	}
	snap, err := load(path)
	if err != nil {
		return nil, err
	}
	s.snap.Store(snap)
	s.logger.Info("policies loaded",
		slog.String("path", path),
		slog.Int("channels", len(snap.channels)),
		slog.Int("tiers", len(snap.tiers)))
	return s, nil
}

// NewStatic serves a fixed snapshot.
func NewStatic(snap *Snapshot) *Store {
	s := &Store{logger: logger.Discard()}
	s.snap.Store(snap)
	return s
}

func load(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, err
	}
	snap.ModTime = info.ModTime()
	return snap, nil
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Reload re-reads the file when its mtime changed and reports whether a new
// snapshot was installed. Concurrent callers share one read.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	if s.path == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	v, err, _ := s.group.Do("reload", func() (any, error) {
		info, err := os.Stat(s.path)
		if err != nil {
			return false, fmt.Errorf("policyfile: %w", err)
		}
		current := s.snap.Load()
		if current != nil && info.ModTime().Equal(current.ModTime) {
			return false, nil
		}

		next, err := load(s.path)
		if err != nil {
			s.logger.Error("policy reload rejected, keeping previous snapshot", logger.Err(err))
			return false, err
		}
		if current != nil && !sameCurve(current.curve, next.curve) {
			s.logger.Warn("curve section changed; it takes effect on restart")
		}
		s.snap.Store(next)
		s.logger.Info("policies reloaded",
			slog.Int("channels", len(next.channels)),
			slog.Int("tiers", len(next.tiers)))
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func sameCurve(a, b leveling.CurveConfig) bool {
	if a.BaseExp != b.BaseExp || a.MaxLevel != b.MaxLevel ||
		len(a.Multipliers) != len(b.Multipliers) || len(a.Points) != len(b.Points) {
		return false
	}
	for k, v := range a.Multipliers {
		if b.Multipliers[k] != v {
			return false
		}
	}
	for i := range a.Points {
		if a.Points[i] != b.Points[i] {
			return false
		}
	}
	return true
}

// Lookup implements voice.PolicyStore.
func (s *Store) Lookup(ctx context.Context, channelID shared.ChannelID) (voice.ChannelPolicy, bool, error) {
	if err := ctx.Err(); err != nil {
		return voice.ChannelPolicy{}, false, err
	}
	p, ok := s.snap.Load().Lookup(channelID)
	return p, ok, nil
}

// Channels implements voice.PolicyStore.
func (s *Store) Channels(ctx context.Context, guildID shared.GuildID) ([]voice.ChannelPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.snap.Load().Channels(guildID), nil
}

// Guilds implements voice.PolicyStore.
func (s *Store) Guilds(ctx context.Context) ([]shared.GuildID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.snap.Load().Guilds(), nil
}

// Tiers returns the tier table of the current snapshot.
func (s *Store) Tiers() leveling.TierTable {
	return s.snap.Load().Tiers()
}

// ErrNoPath is returned by Check for an empty path.
var ErrNoPath = errors.New("policyfile: no path configured")

// Check validates a file without installing it.
func Check(path string) (*Snapshot, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	return load(path)
}
