package presence

import (
	"context"
	"log/slog"

	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// DispatchResult reports how a presence change was handled.
type DispatchResult struct {
	Kind    voice.ChangeKind `json:"kind"`
	Outcome JoinOutcome      `json:"outcome"`
	Ignored bool             `json:"ignored"`
}

// StateRecorder is fed every change before it is dispatched.
type StateRecorder interface {
	Apply(change voice.PresenceChange)
}

// Dispatcher routes gateway presence changes to the registry.
type Dispatcher struct {
	registry *Registry
	recorder StateRecorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil when voice state
// is maintained elsewhere.
func NewDispatcher(registry *Registry, recorder StateRecorder, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		recorder: recorder,
		logger:   logger.OrDefault(log).With(logger.Component("dispatcher")),
	}
}

// Dispatch maps change onto join, leave or move. Bots never earn.
func (d *Dispatcher) Dispatch(ctx context.Context, change voice.PresenceChange) (DispatchResult, error) {
	if err := change.Validate(); err != nil {
		return DispatchResult{Ignored: true}, err
	}

	if d.recorder != nil {
		d.recorder.Apply(change)
	}

	kind := change.Kind()
	result := DispatchResult{Kind: kind}
	if change.Bot || kind == voice.ChangeNone {
		result.Ignored = true
		return result, nil
	}

	var err error
	switch kind {
	case voice.ChangeJoin:
		result.Outcome, err = d.registry.OnJoin(ctx, change.UserID, change.GuildID, change.To)
	case voice.ChangeLeave:
		err = d.registry.OnLeave(ctx, change.UserID, change.GuildID, change.From)
	case voice.ChangeMove:
		result.Outcome, err = d.registry.OnMove(ctx, change.UserID, change.GuildID, change.From, change.To)
	}
	if err != nil {
		d.logger.Error("presence change failed",
			logger.UserID(change.UserID),
			logger.GuildID(change.GuildID),
			slog.String("kind", kind.String()),
			logger.Err(err))
		return result, err
	}

	d.logger.Debug("presence change handled",
		logger.UserID(change.UserID),
		slog.String("kind", kind.String()),
		slog.String("outcome", result.Outcome.String()))
	return result, nil
}
