// Package moderation tracks member warnings and the restrictions they imply.
package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// THRESHOLDS
// ══════════════════════════════════════════════════════════════════════════════

// Thresholds are warning counts at which a restriction starts.
type Thresholds struct {
	Messages int `env:"MESSAGES" envDefault:"3"`
	Market   int `env:"MARKET" envDefault:"5"`
	Voice    int `env:"VOICE" envDefault:"7"`
	Ban      int `env:"BAN" envDefault:"10"`

	// PointsPerWarning is deducted per warning and restored per pardon.
	PointsPerWarning int64 `env:"POINTS_PER_WARNING" envDefault:"100"`
}

// DefaultThresholds returns the community's standing rules.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Messages:         3,
		Market:           5,
		Voice:            7,
		Ban:              10,
		PointsPerWarning: 100,
	}
}

// Restrictions is what a member may do at a given warning count.
type Restrictions struct {
	Warnings        int  `json:"warnings"`
	CanSendMessages bool `json:"can_send_messages"`
	CanUseMarket    bool `json:"can_use_market"`
	CanUseVoice     bool `json:"can_use_voice"`
	ShouldBan       bool `json:"should_ban"`
}

// Evaluate derives restrictions from a warning count.
func (t Thresholds) Evaluate(warnings int) Restrictions {
	return Restrictions{
		Warnings:        warnings,
		CanSendMessages: warnings < t.Messages,
		CanUseMarket:    warnings < t.Market,
		CanUseVoice:     warnings < t.Voice,
		ShouldBan:       warnings >= t.Ban,
	}
}

// LostVoice reports whether going from before to after crossed the voice threshold.
func (t Thresholds) LostVoice(before, after int) bool {
	return before < t.Voice && after >= t.Voice
}

// ══════════════════════════════════════════════════════════════════════════════
// WARNINGS
// ══════════════════════════════════════════════════════════════════════════════

var ErrInvalidCount = errors.New("moderation: count must be positive")

// Warning is one issued warning.
type Warning struct {
	ID       int64          `json:"id"`
	UserID   shared.UserID  `json:"user_id"`
	GuildID  shared.GuildID `json:"guild_id"`
	Reason   string         `json:"reason"`
	IssuedBy shared.UserID  `json:"issued_by"`
	IssuedAt time.Time      `json:"issued_at"`
}

// Repository stores warnings.
type Repository interface {
	// Add inserts count warnings and returns the new active count.
	Add(ctx context.Context, w Warning, count int) (int, error)

	// Remove deletes up to count of the newest warnings and returns how many
	// were removed together with the remaining count.
	Remove(ctx context.Context, key shared.MemberKey, count int) (removed, remaining int, err error)

	// Count returns the active warning count.
	Count(ctx context.Context, key shared.MemberKey) (int, error)

	// List returns the active warnings, newest first.
	List(ctx context.Context, key shared.MemberKey) ([]Warning, error)
}

// Gate answers whether a member may currently earn in voice.
type Gate struct {
	repo       Repository
	thresholds Thresholds
}

// NewGate creates a gate over the warning store.
func NewGate(repo Repository, thresholds Thresholds) *Gate {
	return &Gate{repo: repo, thresholds: thresholds}
}

// CanUseVoice reports whether the member is below the voice threshold.
func (g *Gate) CanUseVoice(ctx context.Context, userID shared.UserID, guildID shared.GuildID) (bool, error) {
	n, err := g.repo.Count(ctx, shared.MemberKey{UserID: userID, GuildID: guildID})
	if err != nil {
		return false, err
	}
	return g.thresholds.Evaluate(n).CanUseVoice, nil
}

// Restrictions returns the full restriction set of a member.
func (g *Gate) Restrictions(ctx context.Context, key shared.MemberKey) (Restrictions, error) {
	n, err := g.repo.Count(ctx, key)
	if err != nil {
		return Restrictions{}, err
	}
	return g.thresholds.Evaluate(n), nil
}

// Thresholds returns the configured thresholds.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}
