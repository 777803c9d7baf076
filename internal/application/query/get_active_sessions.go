// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicexp/voicexp/internal/application/presence"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ACTIVE SESSIONS QUERY
// Lists the members currently earning in voice. The registry may be resynced
// against live voice state first so the report reflects reality.
// ══════════════════════════════════════════════════════════════════════════════

// SessionSource is the registry surface the query needs.
type SessionSource interface {
	Snapshot(guildID shared.GuildID) []voice.SessionView
	ResyncGuild(ctx context.Context, guildID shared.GuildID) (presence.ResyncReport, error)
}

// GetActiveSessionsQuery contains the query parameters.
type GetActiveSessionsQuery struct {
	// GuildID filters by guild. Zero lists every guild.
	GuildID shared.GuildID

	// Resync reconciles the guild with live voice state before reading.
	// Requires GuildID.
	Resync bool
}

// Validate validates the query.
func (q GetActiveSessionsQuery) Validate() error {
	if q.Resync && !q.GuildID.IsValid() {
		return errors.New("resync requires a guild id")
	}
	return nil
}

// SessionDTO is one active session.
type SessionDTO struct {
	SessionID    string           `json:"session_id"`
	UserID       shared.UserID    `json:"user_id,string"`
	GuildID      shared.GuildID   `json:"guild_id,string"`
	ChannelID    shared.ChannelID `json:"channel_id,string"`
	ChannelName  string           `json:"channel_name,omitempty"`
	JoinedAt     time.Time        `json:"joined_at"`
	Elapsed      string           `json:"elapsed"`
	ExpEarned    int64            `json:"exp_earned"`
	Credits      int              `json:"credits"`
	SkippedTicks int              `json:"skipped_ticks"`
	Interval     string           `json:"interval"`
	ExpPerTick   int              `json:"exp_per_tick"`
	ActiveHours  string           `json:"active_hours"`
}

// GetActiveSessionsResult contains the sessions and the optional resync report.
type GetActiveSessionsResult struct {
	Sessions    []SessionDTO           `json:"sessions"`
	Total       int                    `json:"total"`
	ExpEarned   int64                  `json:"exp_earned"`
	Resync      *presence.ResyncReport `json:"resync,omitempty"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// GetActiveSessionsHandler handles the query.
type GetActiveSessionsHandler struct {
	sessions SessionSource
	clock    timeutil.Clock
	logger   *slog.Logger
}

// NewGetActiveSessionsHandler creates a new handler.
func NewGetActiveSessionsHandler(sessions SessionSource, clock timeutil.Clock, log *slog.Logger) *GetActiveSessionsHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetActiveSessionsHandler{sessions: sessions, clock: clock, logger: logger.OrDefault(log)}
}

// Handle executes the query. A failed resync still returns the snapshot.
func (h *GetActiveSessionsHandler) Handle(ctx context.Context, q GetActiveSessionsQuery) (*GetActiveSessionsResult, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_active_sessions: %w", err)
	}

	res := &GetActiveSessionsResult{GeneratedAt: h.clock.Now().UTC()}

	if q.Resync {
		report, err := h.sessions.ResyncGuild(ctx, q.GuildID)
		switch {
		case err == nil:
			res.Resync = &report
		case shared.IsNotFound(err):
			return nil, fmt.Errorf("get_active_sessions: %w", err)
		default:
			h.logger.Warn("resync before status failed", logger.GuildID(q.GuildID), logger.Err(err))
		}
	}

	views := h.sessions.Snapshot(q.GuildID)
	res.Sessions = make([]SessionDTO, 0, len(views))
	for _, v := range views {
		res.Sessions = append(res.Sessions, SessionDTO{
			SessionID:    v.ID,
			UserID:       v.UserID,
			GuildID:      v.GuildID,
			ChannelID:    v.ChannelID,
			ChannelName:  v.Policy.Name,
			JoinedAt:     v.JoinedAt,
			Elapsed:      timeutil.FormatDuration(v.Elapsed),
			ExpEarned:    v.ExpEarned,
			Credits:      v.Credits,
			SkippedTicks: v.SkippedTick,
			Interval:     timeutil.FormatDuration(v.Policy.Interval()),
			ExpPerTick:   v.Policy.ExpPerInterval,
			ActiveHours:  v.Policy.Window(),
		})
		res.ExpEarned += v.ExpEarned
	}
	res.Total = len(res.Sessions)
	return res, nil
}
