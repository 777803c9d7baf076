package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SESSION CHANGED HANDLER
// Keeps the session mirror in step with the registry.
// ═══════════════════════════════════════════════════════════════════════════

// OnSessionChangedHandler handles SessionStarted and SessionEnded events.
type OnSessionChangedHandler struct {
	mirror  voice.SessionMirror
	timeout time.Duration
	logger  *slog.Logger
}

// NewOnSessionChangedHandler creates the handler.
func NewOnSessionChangedHandler(mirror voice.SessionMirror, log *slog.Logger) *OnSessionChangedHandler {
	return &OnSessionChangedHandler{
		mirror:  mirror,
		timeout: 5 * time.Second,
		logger:  logger.OrDefault(log).With(slog.String("handler", "on_session_changed")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnSessionChangedHandler) Handle(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch e := event.(type) {
	case shared.SessionStartedEvent:
		if err := h.mirror.Started(ctx, e); err != nil {
			return fmt.Errorf("mirror session %s start: %w", e.SessionID, err)
		}
	case shared.SessionEndedEvent:
		h.logger.Debug("session ended",
			logger.UserID(e.UserID),
			logger.ChannelID(e.ChannelID),
			slog.String("reason", e.Reason),
			slog.Int64("exp_earned", e.ExpEarned),
			slog.Duration("duration", e.Duration()))
		if err := h.mirror.Ended(ctx, e); err != nil {
			return fmt.Errorf("mirror session %s end: %w", e.SessionID, err)
		}
	default:
		h.logger.Warn("received unexpected event", slog.String("event_type", string(event.EventType())))
	}
	return nil
}
