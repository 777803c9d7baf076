// Package eventhandler contains domain event handlers. They react to committed
// changes with side effects: notifying collaborators and mirroring state.
// A failing handler never undoes the change that raised the event.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/retry"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON LEVEL CHANGED HANDLER
// Forwards level transitions to the notifier and asks for a role sync when a
// member crosses into another tier.
// ═══════════════════════════════════════════════════════════════════════════

// TierSource supplies the current tier table.
type TierSource interface {
	Tiers() leveling.TierTable
}

// LevelChangedConfig contains handler configuration.
type LevelChangedConfig struct {
	// Timeout bounds one delivery including retries.
	Timeout time.Duration

	// NotifyLevelDowns also forwards downward transitions.
	NotifyLevelDowns bool
}

// DefaultLevelChangedConfig returns the default configuration.
func DefaultLevelChangedConfig() LevelChangedConfig {
	return LevelChangedConfig{
		Timeout:          10 * time.Second,
		NotifyLevelDowns: true,
	}
}

// OnLevelChangedHandler handles shared.LevelChangedEvent.
type OnLevelChangedHandler struct {
	notifier leveling.Notifier
	tiers    TierSource
	retrier  *retry.Retrier
	clock    timeutil.Clock
	logger   *slog.Logger
	config   LevelChangedConfig
}

// NewOnLevelChangedHandler creates the handler. tiers may be nil.
func NewOnLevelChangedHandler(
	notifier leveling.Notifier,
	tiers TierSource,
	clock timeutil.Clock,
	log *slog.Logger,
	config LevelChangedConfig,
) *OnLevelChangedHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultLevelChangedConfig().Timeout
	}
	return &OnLevelChangedHandler{
		notifier: notifier,
		tiers:    tiers,
		retrier:  retry.NotifierRetrier(),
		clock:    clock,
		logger:   logger.OrDefault(log).With(slog.String("handler", "on_level_changed")),
		config:   config,
	}
}

// WithRetrier replaces the delivery retry policy.
func (h *OnLevelChangedHandler) WithRetrier(r *retry.Retrier) *OnLevelChangedHandler {
	h.retrier = r
	return h
}

// Handle implements shared.EventHandler.
func (h *OnLevelChangedHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.LevelChangedEvent)
	if !ok {
		h.logger.Warn("received unexpected event", slog.String("event_type", string(event.EventType())))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("level changed",
		logger.UserID(e.UserID),
		logger.GuildID(e.GuildID),
		slog.Int("old_level", e.OldLevel),
		slog.Int("new_level", e.NewLevel),
		slog.Int64("points_awarded", e.PointsAwarded),
		slog.String("source", e.Source))

	var errs []error

	if e.LeveledUp() || h.config.NotifyLevelDowns {
		err := h.retrier.Do(ctx, func(ctx context.Context) error {
			return h.notifier.LevelChanged(ctx, e)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify level change: %w", err))
		}
	}

	if req, ok := h.roleSync(e); ok {
		err := h.retrier.Do(ctx, func(ctx context.Context) error {
			return h.notifier.RequestRoleSync(ctx, req)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("request role sync: %w", err))
		} else {
			h.logger.Info("role sync requested",
				logger.UserID(e.UserID),
				slog.String("tier", req.Tier),
				slog.String("previous_tier", req.PreviousTier))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("on_level_changed %s: %w", shared.MemberKey{UserID: e.UserID, GuildID: e.GuildID}, errs[0])
	}
	return nil
}

// roleSync builds the request when the transition crosses a tier boundary.
func (h *OnLevelChangedHandler) roleSync(e shared.LevelChangedEvent) (leveling.RoleSyncRequest, bool) {
	if h.tiers == nil {
		return leveling.RoleSyncRequest{}, false
	}
	table := h.tiers.Tiers()
	next, crossed := table.Crossed(e.OldLevel, e.NewLevel)
	if !crossed {
		return leveling.RoleSyncRequest{}, false
	}
	prev, _ := table.Lookup(e.OldLevel)

	return leveling.RoleSyncRequest{
		UserID:       e.UserID,
		GuildID:      e.GuildID,
		Level:        e.NewLevel,
		Tier:         next.Name,
		Role:         next.Role,
		PreviousTier: prev.Name,
		PreviousRole: prev.Role,
		RequestedAt:  h.clock.Now().UTC(),
	}, true
}
