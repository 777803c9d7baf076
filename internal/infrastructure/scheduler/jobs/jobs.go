// Package jobs contains the scheduled maintenance jobs of the voice engine.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicexp/voicexp/internal/application/presence"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// Job names.
const (
	NameReloadPolicies = "reload_policies"
	NameResyncVoice    = "resync_voice"
	NameCloseDangling  = "close_dangling_sessions"
)

// Resyncer reconciles the registry with live voice state.
type Resyncer interface {
	ResyncAll(ctx context.Context) ([]presence.ResyncReport, error)
}

// Reloader re-reads the policy source and reports whether it changed.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESYNC VOICE JOB
// ══════════════════════════════════════════════════════════════════════════════

// ResyncVoiceJob recovers from presence changes the gateway never delivered.
type ResyncVoiceJob struct {
	resyncer Resyncer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewResyncVoiceJob creates the job. timeout bounds one full pass.
func NewResyncVoiceJob(resyncer Resyncer, timeout time.Duration, log *slog.Logger) *ResyncVoiceJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ResyncVoiceJob{
		resyncer: resyncer,
		timeout:  timeout,
		logger:   logger.OrDefault(log).With(slog.String("job", NameResyncVoice)),
	}
}

func (j *ResyncVoiceJob) Name() string { return NameResyncVoice }

func (j *ResyncVoiceJob) Description() string {
	return "reconcile tracked sessions with members currently in voice"
}

func (j *ResyncVoiceJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	reports, err := j.resyncer.ResyncAll(ctx)
	for _, rep := range reports {
		if rep.Changed() || rep.Failed > 0 {
			j.logger.Info("voice state reconciled",
				logger.GuildID(rep.GuildID),
				slog.Int("created", rep.Created),
				slog.Int("moved", rep.Moved),
				slog.Int("ended", rep.Ended),
				slog.Int("failed", rep.Failed))
		}
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// RELOAD POLICIES JOB
// ══════════════════════════════════════════════════════════════════════════════

// ReloadPoliciesJob swaps in an edited policy file and then resyncs, so
// members already sitting in a newly rewarded channel start earning.
type ReloadPoliciesJob struct {
	reloader Reloader
	resync   *ResyncVoiceJob
}

// NewReloadPoliciesJob creates the job. resync may be nil.
func NewReloadPoliciesJob(reloader Reloader, resync *ResyncVoiceJob) *ReloadPoliciesJob {
	return &ReloadPoliciesJob{reloader: reloader, resync: resync}
}

func (j *ReloadPoliciesJob) Name() string { return NameReloadPolicies }

func (j *ReloadPoliciesJob) Description() string {
	return "reload the policy file when its modification time changes"
}

func (j *ReloadPoliciesJob) Run(ctx context.Context) error {
	changed, err := j.reloader.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reload policies: %w", err)
	}
	if !changed || j.resync == nil {
		return nil
	}
	return j.resync.Run(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLOSE DANGLING SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// CloseDanglingJob ends audit rows a crashed process left open. It must run
// before the registry admits its first join.
type CloseDanglingJob struct {
	audit  voice.AuditTrail
	clock  timeutil.Clock
	logger *slog.Logger
}

// NewCloseDanglingJob creates the job.
func NewCloseDanglingJob(audit voice.AuditTrail, clock timeutil.Clock, log *slog.Logger) *CloseDanglingJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CloseDanglingJob{
		audit:  audit,
		clock:  clock,
		logger: logger.OrDefault(log).With(slog.String("job", NameCloseDangling)),
	}
}

func (j *CloseDanglingJob) Name() string { return NameCloseDangling }

func (j *CloseDanglingJob) Description() string {
	return "close session audit rows left open by a previous process"
}

func (j *CloseDanglingJob) Run(ctx context.Context) error {
	n, err := j.audit.CloseDangling(ctx, j.clock.Now())
	if err != nil {
		return fmt.Errorf("close dangling sessions: %w", err)
	}
	if n > 0 {
		j.logger.Warn("closed dangling sessions", slog.Int("count", n))
	}
	return nil
}
