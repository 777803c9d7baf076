package presence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// TickOutcome is what one accrual interval did.
type TickOutcome int

const (
	TickCredited TickOutcome = iota
	TickOutsideWindow
	TickExcluded
	TickRestricted
	TickFailed
	TickCancelled
	// TickExpired means the member is gone or the channel stopped earning.
	TickExpired
	// TickSuperseded means the registry already replaced this session.
	TickSuperseded
)

func (o TickOutcome) String() string {
	switch o {
	case TickCredited:
		return "credited"
	case TickOutsideWindow:
		return "outside_window"
	case TickExcluded:
		return "excluded"
	case TickRestricted:
		return "restricted"
	case TickFailed:
		return "failed"
	case TickCancelled:
		return "cancelled"
	case TickExpired:
		return "expired"
	case TickSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// gated reports an expected skip that is not an error.
func (o TickOutcome) gated() bool {
	return o == TickOutsideWindow || o == TickExcluded || o == TickRestricted
}

// run is the accrual loop of one session. Cancellation is observed at the
// interval sleep and again before each credit; a credit already under way
// is allowed to commit.
func (r *Registry) run(ctx context.Context, h *handle) {
	defer close(h.done)
	defer r.running.Add(-1)

	log := r.logger.With(
		logger.UserID(h.session.UserID),
		logger.GuildID(h.session.GuildID),
		slog.String("session_id", h.session.ID),
	)

	for {
		timer := r.clock.NewTimer(h.currentPolicy().Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if ctx.Err() != nil {
			return
		}

		outcome, err := r.tick(ctx, h)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("accrual tick failed", slog.String("outcome", outcome.String()), logger.Err(err))
		case outcome.gated():
			h.skipped.Add(1)
			log.Debug("accrual tick skipped", slog.String("outcome", outcome.String()))
		}

		switch outcome {
		case TickExpired:
			log.Info("member no longer earning here, ending session")
			r.expire(h)
			return
		case TickSuperseded, TickCancelled:
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// tick performs one interval's checks and credit. Gating is evaluated fresh
// every time.
func (r *Registry) tick(ctx context.Context, h *handle) (TickOutcome, error) {
	if !r.isCurrent(h) {
		return TickSuperseded, nil
	}

	s := h.session

	channelID, present, err := r.state.ChannelOf(ctx, s.GuildID, s.UserID)
	if err != nil {
		return TickFailed, fmt.Errorf("voice state: %w", err)
	}
	if !present {
		return TickExpired, nil
	}

	// The policy is re-read even when the channel is unchanged so that edits
	// and removals take effect on the next tick.
	policy, ok, err := r.policies.Lookup(ctx, channelID)
	if err != nil {
		return TickFailed, fmt.Errorf("policy lookup: %w", err)
	}
	if !ok || policy.GuildID != s.GuildID {
		return TickExpired, nil
	}
	if channelID != h.currentChannel() {
		r.logger.Info("member moved before the registry saw it, adopting channel policy",
			logger.UserID(s.UserID),
			slog.Int64("from", int64(h.currentChannel())),
			logger.ChannelID(channelID))
	}
	h.adopt(policy)

	now := r.clock.Now()
	if !policy.ActiveAt(timeutil.HourIn(now, r.config.Location)) {
		return TickOutsideWindow, nil
	}

	if r.exclusions != nil {
		excluded, err := r.exclusions.IsExcluded(ctx, s.GuildID, s.UserID)
		if err != nil {
			return TickFailed, fmt.Errorf("exclusion check: %w", err)
		}
		if excluded {
			return TickExcluded, nil
		}
	}

	if r.gate != nil {
		allowed, err := r.gate.CanUseVoice(ctx, s.UserID, s.GuildID)
		if err != nil {
			return TickFailed, fmt.Errorf("moderation check: %w", err)
		}
		if !allowed {
			return TickRestricted, nil
		}
	}

	if ctx.Err() != nil {
		return TickCancelled, nil
	}

	creditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.CreditTimeout)
	defer cancel()

	amount := int64(policy.ExpPerInterval)
	tr, err := r.crediter.Credit(creditCtx, s.Key(), amount)
	if err != nil {
		return TickFailed, fmt.Errorf("credit: %w", err)
	}

	h.earned.Add(amount)
	h.credits.Add(1)
	h.lastCredit.Store(now.UnixNano())

	if tr.LevelChanged() {
		r.logger.Debug("accrual changed level",
			logger.UserID(s.UserID),
			slog.Int("old_level", tr.OldLevel),
			slog.Int("new_level", tr.NewLevel))
	}
	return TickCredited, nil
}
