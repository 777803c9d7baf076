package command

import (
	"context"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL COMMANDS
// Administrative edits of a member's level. All of them rewrite TotalExp so
// the record stays derivable from the curve alone.
// ══════════════════════════════════════════════════════════════════════════════

// SetLevelCommand places a member at the start of a level.
type SetLevelCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID
	Level   int

	// AwardPoints grants the points of every level crossed upward.
	AwardPoints bool
}

// SetLevelExpCommand sets the exp inside the current level.
type SetLevelExpCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID
	Exp     int64
}

// AddLevelsCommand moves a member by Levels relative to the current level.
// Negative values move down; the result clamps to the curve's range.
type AddLevelsCommand struct {
	UserID      shared.UserID
	GuildID     shared.GuildID
	Levels      int
	AwardPoints bool
}

// LevelResult contains the stored record and what changed.
type LevelResult struct {
	Progress   leveling.Progress
	Transition leveling.Transition
}

// LevelHandler handles the three level commands.
type LevelHandler struct {
	writer *ProgressWriter
}

// NewLevelHandler creates a new LevelHandler.
func NewLevelHandler(writer *ProgressWriter) *LevelHandler {
	return &LevelHandler{writer: writer}
}

// SetLevel executes a SetLevelCommand.
func (h *LevelHandler) SetLevel(ctx context.Context, cmd SetLevelCommand) (*LevelResult, error) {
	if !cmd.UserID.IsValid() || !cmd.GuildID.IsValid() {
		return nil, fmt.Errorf("set_level: %w", shared.ErrInvalidMember)
	}
	curve := h.writer.curve
	if cmd.Level < 1 || cmd.Level > curve.MaxLevel() {
		return nil, fmt.Errorf("set_level: %w: %d not in [1, %d]", shared.ErrInvalidLevel, cmd.Level, curve.MaxLevel())
	}

	return h.run(ctx, "set_level", cmd.UserID, cmd.GuildID, SourceSetLevel, func(p leveling.Progress) (leveling.Progress, leveling.Transition, error) {
		next, tr := curve.SetLevel(p, cmd.Level, cmd.AwardPoints)
		return next, tr, nil
	})
}

// SetLevelExp executes a SetLevelExpCommand.
func (h *LevelHandler) SetLevelExp(ctx context.Context, cmd SetLevelExpCommand) (*LevelResult, error) {
	if !cmd.UserID.IsValid() || !cmd.GuildID.IsValid() {
		return nil, fmt.Errorf("set_level_exp: %w", shared.ErrInvalidMember)
	}
	if cmd.Exp < 0 {
		return nil, fmt.Errorf("set_level_exp: %w: exp must not be negative", shared.ErrInvalidExpDelta)
	}
	curve := h.writer.curve

	return h.run(ctx, "set_level_exp", cmd.UserID, cmd.GuildID, SourceSetLevelExp, func(p leveling.Progress) (leveling.Progress, leveling.Transition, error) {
		next, tr := curve.SetLevelExp(p, cmd.Exp)
		return next, tr, nil
	})
}

// AddLevels executes an AddLevelsCommand.
func (h *LevelHandler) AddLevels(ctx context.Context, cmd AddLevelsCommand) (*LevelResult, error) {
	if !cmd.UserID.IsValid() || !cmd.GuildID.IsValid() {
		return nil, fmt.Errorf("add_levels: %w", shared.ErrInvalidMember)
	}
	if cmd.Levels == 0 {
		return nil, fmt.Errorf("add_levels: %w: levels must not be zero", shared.ErrInvalidLevel)
	}
	curve := h.writer.curve

	return h.run(ctx, "add_levels", cmd.UserID, cmd.GuildID, SourceAddLevels, func(p leveling.Progress) (leveling.Progress, leveling.Transition, error) {
		next, tr := curve.AddLevels(p, cmd.Levels, cmd.AwardPoints)
		return next, tr, nil
	})
}

func (h *LevelHandler) run(ctx context.Context, op string, user shared.UserID, guild shared.GuildID, source string, m mutation) (*LevelResult, error) {
	key := shared.MemberKey{UserID: user, GuildID: guild}
	p, tr, err := h.writer.apply(ctx, key, source, m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &LevelResult{Progress: p, Transition: tr}, nil
}
