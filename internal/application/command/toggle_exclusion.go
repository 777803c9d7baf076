package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ToggleExclusionCommand flips whether a member earns voice experience.
// The running session is left alone; its next tick sees the new flag.
type ToggleExclusionCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID
}

// ToggleExclusionHandler handles the ToggleExclusionCommand.
type ToggleExclusionHandler struct {
	list   voice.ExclusionList
	logger *slog.Logger
}

// NewToggleExclusionHandler creates a new ToggleExclusionHandler.
func NewToggleExclusionHandler(list voice.ExclusionList, log *slog.Logger) *ToggleExclusionHandler {
	return &ToggleExclusionHandler{list: list, logger: logger.OrDefault(log)}
}

// Handle toggles the flag and returns the new state.
func (h *ToggleExclusionHandler) Handle(ctx context.Context, cmd ToggleExclusionCommand) (bool, error) {
	if !cmd.UserID.IsValid() || !cmd.GuildID.IsValid() {
		return false, fmt.Errorf("toggle_exclusion: %w", shared.ErrInvalidMember)
	}
	excluded, err := h.list.Toggle(ctx, cmd.GuildID, cmd.UserID)
	if err != nil {
		return false, fmt.Errorf("toggle_exclusion: %w", err)
	}
	h.logger.Info("exclusion toggled",
		logger.UserID(cmd.UserID), logger.GuildID(cmd.GuildID), slog.Bool("excluded", excluded))
	return excluded, nil
}
