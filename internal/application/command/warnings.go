package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// WARNING COMMANDS
// Warnings cost points and, past the voice threshold, end the member's voice
// session. Pardons remove the newest warnings and give the points back.
// ══════════════════════════════════════════════════════════════════════════════

// SessionEnder ends a member's voice session. Implemented by the presence registry.
type SessionEnder interface {
	ForceLeave(ctx context.Context, userID shared.UserID, guildID shared.GuildID, reason string) (bool, error)
}

// WarnMemberCommand issues Count warnings.
type WarnMemberCommand struct {
	UserID   shared.UserID
	GuildID  shared.GuildID
	Reason   string
	IssuedBy shared.UserID
	Count    int
}

// Validate validates the command.
func (c WarnMemberCommand) Validate() error {
	if !c.UserID.IsValid() || !c.GuildID.IsValid() {
		return shared.ErrInvalidMember
	}
	if c.Count < 1 {
		return moderation.ErrInvalidCount
	}
	if strings.TrimSpace(c.Reason) == "" {
		return errors.New("warn_member: reason is required")
	}
	return nil
}

// PardonMemberCommand removes up to Count of the newest warnings.
type PardonMemberCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID
	Count   int
}

// WarningResult reports the effect of a warn or pardon.
type WarningResult struct {
	Warnings     int
	Changed      int
	PointsDelta  int64
	NewPoints    int64
	Restrictions moderation.Restrictions

	// SessionEnded is set when the warning pushed the member past the voice
	// threshold and a running session was stopped.
	SessionEnded bool
}

// WarningHandler handles warn and pardon commands.
type WarningHandler struct {
	repo       moderation.Repository
	thresholds moderation.Thresholds
	writer     *ProgressWriter
	sessions   SessionEnder
	logger     *slog.Logger
}

// NewWarningHandler creates a new WarningHandler. sessions may be nil when no
// registry runs in the process (offline CLI).
func NewWarningHandler(
	repo moderation.Repository,
	thresholds moderation.Thresholds,
	writer *ProgressWriter,
	sessions SessionEnder,
	log *slog.Logger,
) *WarningHandler {
	return &WarningHandler{
		repo:       repo,
		thresholds: thresholds,
		writer:     writer,
		sessions:   sessions,
		logger:     logger.OrDefault(log).With(logger.Component("moderation")),
	}
}

// Warn executes a WarnMemberCommand.
func (h *WarningHandler) Warn(ctx context.Context, cmd WarnMemberCommand) (*WarningResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("warn_member: %w", err)
	}
	key := shared.MemberKey{UserID: cmd.UserID, GuildID: cmd.GuildID}

	after, err := h.repo.Add(ctx, moderation.Warning{
		UserID:   cmd.UserID,
		GuildID:  cmd.GuildID,
		Reason:   cmd.Reason,
		IssuedBy: cmd.IssuedBy,
		IssuedAt: h.writer.clock.Now().UTC(),
	}, cmd.Count)
	if err != nil {
		return nil, fmt.Errorf("warn_member: %w", err)
	}
	before := after - cmd.Count

	res := &WarningResult{
		Warnings:     after,
		Changed:      cmd.Count,
		Restrictions: h.thresholds.Evaluate(after),
	}

	if cost := h.thresholds.PointsPerWarning * int64(cmd.Count); cost > 0 {
		adj, err := h.adjust(ctx, key, -cost, SourceWarning)
		if err != nil {
			return nil, fmt.Errorf("warn_member: deduct points: %w", err)
		}
		res.PointsDelta, res.NewPoints = adj.Delta(), adj.Progress.Points
	}

	if h.thresholds.LostVoice(before, after) && h.sessions != nil {
		ended, err := h.sessions.ForceLeave(ctx, cmd.UserID, cmd.GuildID, "moderation")
		if err != nil {
			h.logger.Warn("failed to end voice session of restricted member",
				logger.UserID(cmd.UserID), logger.GuildID(cmd.GuildID), logger.Err(err))
		}
		res.SessionEnded = ended
	}

	h.logger.Info("warning issued",
		logger.UserID(cmd.UserID),
		logger.GuildID(cmd.GuildID),
		slog.Int("count", cmd.Count),
		slog.Int("warnings", after),
		slog.Bool("voice_restricted", !res.Restrictions.CanUseVoice))
	return res, nil
}

// Pardon executes a PardonMemberCommand.
func (h *WarningHandler) Pardon(ctx context.Context, cmd PardonMemberCommand) (*WarningResult, error) {
	if !cmd.UserID.IsValid() || !cmd.GuildID.IsValid() {
		return nil, fmt.Errorf("pardon_member: %w", shared.ErrInvalidMember)
	}
	if cmd.Count < 1 {
		return nil, fmt.Errorf("pardon_member: %w", moderation.ErrInvalidCount)
	}
	key := shared.MemberKey{UserID: cmd.UserID, GuildID: cmd.GuildID}

	removed, remaining, err := h.repo.Remove(ctx, key, cmd.Count)
	if err != nil {
		return nil, fmt.Errorf("pardon_member: %w", err)
	}

	res := &WarningResult{
		Warnings:     remaining,
		Changed:      removed,
		Restrictions: h.thresholds.Evaluate(remaining),
	}
	if removed == 0 {
		return res, nil
	}

	if refund := h.thresholds.PointsPerWarning * int64(removed); refund > 0 {
		adj, err := h.adjust(ctx, key, refund, SourcePardon)
		if err != nil {
			return nil, fmt.Errorf("pardon_member: restore points: %w", err)
		}
		res.PointsDelta, res.NewPoints = adj.Delta(), adj.Progress.Points
	}

	h.logger.Info("warnings removed",
		logger.UserID(cmd.UserID),
		logger.GuildID(cmd.GuildID),
		slog.Int("removed", removed),
		slog.Int("warnings", remaining))
	return res, nil
}

func (h *WarningHandler) adjust(ctx context.Context, key shared.MemberKey, amount int64, reason string) (*AdjustPointsResult, error) {
	return NewAdjustPointsHandler(h.writer).Handle(ctx, AdjustPointsCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Mode:    leveling.PointsAdd,
		Amount:  amount,
		Reason:  reason,
	})
}
