// Package voice holds the types that describe voice presence: which channels
// earn experience and under what rules, the live sessions, and the ports the
// presence engine reads from.
package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHANNEL POLICY
// ══════════════════════════════════════════════════════════════════════════════

// ChannelPolicy is the reward rule of one voice channel. Values are copied on
// every read; a policy never changes under a holder.
type ChannelPolicy struct {
	ChannelID       shared.ChannelID `yaml:"channel_id" json:"channel_id"`
	GuildID         shared.GuildID   `yaml:"guild_id" json:"guild_id"`
	Name            string           `yaml:"name,omitempty" json:"name,omitempty"`
	IntervalMinutes int              `yaml:"interval_minutes" json:"interval_minutes"`
	ExpPerInterval  int              `yaml:"exp_per_interval" json:"exp_per_interval"`
	ActiveHourStart int              `yaml:"active_hour_start" json:"active_hour_start"`
	ActiveHourEnd   int              `yaml:"active_hour_end" json:"active_hour_end"`
}

// Validate checks the policy bounds. ActiveHourEnd is exclusive and 24 means
// through 23:59, so a window never wraps midnight.
func (p ChannelPolicy) Validate() error {
	switch {
	case !p.ChannelID.IsValid():
		return fmt.Errorf("%w: channel id %d", shared.ErrInvalidPolicy, p.ChannelID)
	case !p.GuildID.IsValid():
		return fmt.Errorf("%w: channel %d has no guild", shared.ErrInvalidPolicy, p.ChannelID)
	case p.IntervalMinutes < 1:
		return fmt.Errorf("%w: channel %d interval_minutes must be >= 1", shared.ErrInvalidPolicy, p.ChannelID)
	case p.ExpPerInterval < 1:
		return fmt.Errorf("%w: channel %d exp_per_interval must be >= 1", shared.ErrInvalidPolicy, p.ChannelID)
	case p.ActiveHourStart < 0 || p.ActiveHourStart > 23:
		return fmt.Errorf("%w: channel %d active_hour_start must be in [0,23]", shared.ErrInvalidPolicy, p.ChannelID)
	case p.ActiveHourEnd < 1 || p.ActiveHourEnd > 24:
		return fmt.Errorf("%w: channel %d active_hour_end must be in [1,24]", shared.ErrInvalidPolicy, p.ChannelID)
	case p.ActiveHourEnd <= p.ActiveHourStart:
		return fmt.Errorf("%w: channel %d active window %02d-%02d is empty", shared.ErrInvalidPolicy, p.ChannelID, p.ActiveHourStart, p.ActiveHourEnd)
	}
	return nil
}

// Interval returns the accrual period.
func (p ChannelPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

// ActiveAt reports whether credits are allowed at the given wall-clock hour.
func (p ChannelPolicy) ActiveAt(hour int) bool {
	return p.ActiveHourStart <= hour && hour < p.ActiveHourEnd
}

// Window renders the active hours as "06:00-24:00".
func (p ChannelPolicy) Window() string {
	return fmt.Sprintf("%02d:00-%02d:00", p.ActiveHourStart, p.ActiveHourEnd)
}

// ExpPerMinute is the nominal accrual rate inside the window.
func (p ChannelPolicy) ExpPerMinute() float64 {
	if p.IntervalMinutes < 1 {
		return 0
	}
	return float64(p.ExpPerInterval) / float64(p.IntervalMinutes)
}

// PolicyStore is the read side of the channel policy configuration.
type PolicyStore interface {
	// Lookup returns false when the channel earns nothing.
	Lookup(ctx context.Context, channelID shared.ChannelID) (ChannelPolicy, bool, error)

	// Channels lists the policies of a guild.
	Channels(ctx context.Context, guildID shared.GuildID) ([]ChannelPolicy, error)

	// Guilds lists every guild with at least one policy.
	Guilds(ctx context.Context) ([]shared.GuildID, error)
}
