package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ResyncReport counts what a reconciliation changed.
type ResyncReport struct {
	GuildID    shared.GuildID `json:"guild_id"`
	Created    int            `json:"created"`
	Moved      int            `json:"moved"`
	Ended      int            `json:"ended"`
	Restricted int            `json:"restricted"`
	Unchanged  int            `json:"unchanged"`
	Failed     int            `json:"failed"`
}

// Changed reports whether any session was created, moved or ended.
func (r ResyncReport) Changed() bool {
	return r.Created+r.Moved+r.Ended > 0
}

// ResyncGuild reconciles the registry with the members currently in the
// guild's rewarded channels. Missing sessions are created, sessions whose
// member moved are restarted in the new channel, and sessions whose member
// is no longer in a rewarded channel are ended. A session that is already
// correct is left alone, so repeated calls are harmless.
func (r *Registry) ResyncGuild(ctx context.Context, guildID shared.GuildID) (ResyncReport, error) {
	report := ResyncReport{GuildID: guildID}

	policies, err := r.policies.Channels(ctx, guildID)
	if err != nil {
		return report, fmt.Errorf("presence: resync policies: %w", err)
	}
	if len(policies) == 0 {
		return report, shared.ErrGuildNotMonitored
	}
	eligible := make(map[shared.ChannelID]bool, len(policies))
	for _, p := range policies {
		eligible[p.ChannelID] = true
	}

	members, err := r.state.Members(ctx, guildID)
	if err != nil {
		return report, fmt.Errorf("presence: resync members: %w", err)
	}

	wanted := make(map[shared.UserID]shared.ChannelID, len(members))
	for _, m := range members {
		if m.Bot || !eligible[m.ChannelID] {
			continue
		}
		wanted[m.UserID] = m.ChannelID
	}

	for userID, channelID := range wanted {
		action, err := admit(ctx, r, userID, func(ctx context.Context) (resyncAction, error) {
			return r.reconcile(ctx, userID, guildID, channelID)
		})
		if err != nil {
			if errors.Is(err, shared.ErrRegistryClosed) || ctx.Err() != nil {
				return report, err
			}
			report.Failed++
			r.logger.Error("resync join failed", logger.UserID(userID), logger.GuildID(guildID), logger.Err(err))
			continue
		}
		report.count(action)
	}

	for _, h := range r.guildHandles(guildID) {
		if _, ok := wanted[h.session.UserID]; ok {
			continue
		}
		ended, err := admit(ctx, r, h.session.UserID, func(ctx context.Context) (bool, error) {
			// Anything admitted since the member list was read wins.
			if !r.isCurrent(h) {
				return false, nil
			}
			r.teardown(ctx, h, voice.EndStale)
			return true, nil
		})
		if err != nil {
			if errors.Is(err, shared.ErrRegistryClosed) || ctx.Err() != nil {
				return report, err
			}
			report.Failed++
			continue
		}
		if ended {
			report.Ended++
		}
	}

	if report.Changed() || report.Failed > 0 {
		r.logger.Info("guild resynced",
			logger.GuildID(guildID),
			slog.Int("created", report.Created),
			slog.Int("moved", report.Moved),
			slog.Int("ended", report.Ended),
			slog.Int("unchanged", report.Unchanged),
			slog.Int("failed", report.Failed))
	}
	return report, nil
}

// ResyncAll reconciles every guild that has policies.
func (r *Registry) ResyncAll(ctx context.Context) ([]ResyncReport, error) {
	guilds, err := r.policies.Guilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence: resync guilds: %w", err)
	}

	reports := make([]ResyncReport, 0, len(guilds))
	var errs []error
	for _, g := range guilds {
		rep, err := r.ResyncGuild(ctx, g)
		if err != nil && !errors.Is(err, shared.ErrGuildNotMonitored) {
			errs = append(errs, fmt.Errorf("guild %d: %w", g, err))
			if ctx.Err() != nil {
				break
			}
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

type resyncAction int

const (
	resyncUnchanged resyncAction = iota
	resyncCreated
	resyncMoved
	resyncRestricted
	resyncNotEligible
)

func (r *ResyncReport) count(a resyncAction) {
	switch a {
	case resyncCreated:
		r.Created++
	case resyncMoved:
		r.Moved++
	case resyncRestricted:
		r.Restricted++
	case resyncUnchanged:
		r.Unchanged++
	}
}

// reconcile runs admitted, so the decision and the change are atomic for the member.
func (r *Registry) reconcile(ctx context.Context, userID shared.UserID, guildID shared.GuildID, channelID shared.ChannelID) (resyncAction, error) {
	h := r.current(userID)
	if h != nil && h.session.GuildID == guildID && h.currentChannel() == channelID {
		return resyncUnchanged, nil
	}

	outcome, err := r.join(ctx, userID, guildID, channelID, voice.EndMoved)
	if err != nil {
		return resyncUnchanged, err
	}
	switch outcome {
	case OutcomeStarted:
		if h != nil {
			return resyncMoved, nil
		}
		return resyncCreated, nil
	case OutcomeRestricted:
		return resyncRestricted, nil
	default:
		return resyncNotEligible, nil
	}
}

func (r *Registry) guildHandles(guildID shared.GuildID) []*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*handle, 0)
	for _, h := range r.sessions {
		if h.session.GuildID == guildID {
			out = append(out, h)
		}
	}
	return out
}
