// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"log/slog"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/retry"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS WRITER
// Every progress mutation goes through here: one read-modify-write transaction
// retried on store contention, and level events published only after commit.
// ══════════════════════════════════════════════════════════════════════════════

// Sources label what drove a progress write.
const (
	SourceVoice       = "voice"
	SourceAddExp      = "admin:add-exp"
	SourceSetLevel    = "admin:set-level"
	SourceSetLevelExp = "admin:set-level-exp"
	SourceAddLevels   = "admin:add-levels"
	SourcePoints      = "admin:points"
	SourceWarning     = "moderation:warn"
	SourcePardon      = "moderation:pardon"
)

// mutation computes the next record from the transaction's snapshot.
type mutation func(p leveling.Progress) (leveling.Progress, leveling.Transition, error)

// ProgressWriter serializes progress writes through the repository.
type ProgressWriter struct {
	repo      leveling.Repository
	curve     *leveling.Curve
	retrier   *retry.Retrier
	publisher shared.EventPublisher
	clock     timeutil.Clock
	logger    *slog.Logger
}

// WriterConfig holds optional collaborators of the writer.
type WriterConfig struct {
	Retrier *retry.Retrier
	Clock   timeutil.Clock
	Logger  *slog.Logger
}

// NewProgressWriter creates a writer. publisher may be nil.
func NewProgressWriter(repo leveling.Repository, curve *leveling.Curve, publisher shared.EventPublisher, cfg WriterConfig) *ProgressWriter {
	if cfg.Retrier == nil {
		cfg.Retrier = retry.StoreRetrier(shared.IsTransient)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{}
	}
	return &ProgressWriter{
		repo:      repo,
		curve:     curve,
		retrier:   cfg.Retrier,
		publisher: publisher,
		clock:     cfg.Clock,
		logger:    logger.OrDefault(cfg.Logger).With(logger.Component("progress")),
	}
}

// Curve returns the curve used for every transition.
func (w *ProgressWriter) Curve() *leveling.Curve {
	return w.curve
}

// apply runs mutate inside the store transaction. Each retry re-reads the row
// and recomputes from scratch. A level change is published after commit;
// publishing failures are logged and never undo the write.
func (w *ProgressWriter) apply(ctx context.Context, key shared.MemberKey, source string, mutate mutation) (leveling.Progress, leveling.Transition, error) {
	var tr leveling.Transition

	stored, err := retry.DoWithData(ctx, w.retrier, func(ctx context.Context) (leveling.Progress, error) {
		return w.repo.Update(ctx, key, func(p *leveling.Progress) error {
			next, t, err := mutate(*p)
			if err != nil {
				return err
			}
			next.UserID, next.GuildID = key.UserID, key.GuildID
			next.UpdatedAt = w.clock.Now().UTC()
			*p = next
			tr = t
			return nil
		})
	})
	if err != nil {
		if shared.IsTransient(err) {
			w.logger.Error("progress write abandoned after contention",
				logger.UserID(key.UserID), logger.GuildID(key.GuildID),
				slog.String("source", source), logger.Err(err))
		}
		return leveling.Progress{}, leveling.Transition{}, err
	}

	if tr.LevelChanged() {
		w.publish(tr.Event(key, source, stored.UpdatedAt))
		w.logger.Info("level changed",
			logger.UserID(key.UserID),
			logger.GuildID(key.GuildID),
			slog.Int("old_level", tr.OldLevel),
			slog.Int("new_level", tr.NewLevel),
			slog.Int64("points_awarded", tr.PointsAwarded),
			slog.String("source", source))
	}
	return stored, tr, nil
}

func (w *ProgressWriter) publish(event shared.Event) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(event); err != nil {
		w.logger.Warn("failed to publish event",
			slog.String("event_type", string(event.EventType())), logger.Err(err))
	}
}
