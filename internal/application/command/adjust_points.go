package command

import (
	"context"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADJUST POINTS COMMAND
// Changes a member's points without touching level or exp.
// ══════════════════════════════════════════════════════════════════════════════

// AdjustPointsCommand contains the data to adjust points.
type AdjustPointsCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID

	// Mode is leveling.PointsAdd (Amount may be negative) or leveling.PointsSet.
	Mode   leveling.PointsMode
	Amount int64

	// Reason is carried on the PointsAdjustedEvent. Defaults to SourcePoints.
	Reason string
}

// Validate validates the command.
func (c AdjustPointsCommand) Validate() error {
	if !c.UserID.IsValid() || !c.GuildID.IsValid() {
		return shared.ErrInvalidMember
	}
	switch c.Mode {
	case leveling.PointsSet:
		if c.Amount < 0 {
			return shared.ErrInvalidPoints
		}
	case leveling.PointsAdd:
		if c.Amount == 0 {
			return fmt.Errorf("%w: amount must not be zero", shared.ErrInvalidPoints)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", shared.ErrInvalidInput, c.Mode)
	}
	return nil
}

// AdjustPointsResult reports the stored points.
type AdjustPointsResult struct {
	Progress  leveling.Progress
	OldPoints int64
}

// Delta is the applied change after flooring.
func (r AdjustPointsResult) Delta() int64 {
	return r.Progress.Points - r.OldPoints
}

// AdjustPointsHandler handles the AdjustPointsCommand.
type AdjustPointsHandler struct {
	writer *ProgressWriter
}

// NewAdjustPointsHandler creates a new AdjustPointsHandler.
func NewAdjustPointsHandler(writer *ProgressWriter) *AdjustPointsHandler {
	return &AdjustPointsHandler{writer: writer}
}

// Handle executes the adjustment.
func (h *AdjustPointsHandler) Handle(ctx context.Context, cmd AdjustPointsCommand) (*AdjustPointsResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("adjust_points: %w", err)
	}
	if cmd.Reason == "" {
		cmd.Reason = SourcePoints
	}

	key := shared.MemberKey{UserID: cmd.UserID, GuildID: cmd.GuildID}
	var old int64

	p, _, err := h.writer.apply(ctx, key, cmd.Reason, func(p leveling.Progress) (leveling.Progress, leveling.Transition, error) {
		next, before := leveling.AdjustPoints(p, cmd.Mode, cmd.Amount)
		old = before
		return next, leveling.Transition{OldLevel: p.Level, NewLevel: p.Level}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("adjust_points: %w", err)
	}

	if p.Points != old {
		h.writer.publish(shared.NewPointsAdjustedEvent(key, old, p.Points, cmd.Reason, p.UpdatedAt))
	}
	return &AdjustPointsResult{Progress: p, OldPoints: old}, nil
}
