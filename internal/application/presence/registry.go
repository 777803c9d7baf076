// Package presence turns voice presence into experience. The Registry owns
// one session per member in a rewarded channel and runs one accrual loop per
// session; the Dispatcher maps gateway presence changes onto it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// Crediter applies one interval's experience through the progress store's
// transactional write path.
type Crediter interface {
	Credit(ctx context.Context, key shared.MemberKey, amount int64) (leveling.Transition, error)
}

// VoiceGate answers whether moderation allows a member to earn in voice.
type VoiceGate interface {
	CanUseVoice(ctx context.Context, userID shared.UserID, guildID shared.GuildID) (bool, error)
}

// JoinOutcome tells the presence source whether tracking started.
type JoinOutcome int

const (
	OutcomeNotEligible JoinOutcome = iota
	OutcomeStarted
	OutcomeRestricted
)

// MarshalText renders the outcome by name.
func (o JoinOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o JoinOutcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeRestricted:
		return "restricted"
	default:
		return "not_eligible"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config tunes the registry.
type Config struct {
	// Location is the zone in which active hours are evaluated.
	Location *time.Location

	// CreditTimeout bounds a single credit, which runs detached from session
	// cancellation.
	CreditTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Location:      time.UTC,
		CreditTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators of the registry. Audit, Exclusions, Gate and
// Publisher are optional.
type Deps struct {
	Policies   voice.PolicyStore
	State      voice.StateReader
	Crediter   Crediter
	Audit      voice.AuditTrail
	Exclusions voice.ExclusionList
	Gate       VoiceGate
	Publisher  shared.EventPublisher
	Clock      timeutil.Clock
	Logger     *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Registry is the single owner of live voice sessions.
type Registry struct {
	policies   voice.PolicyStore
	state      voice.StateReader
	crediter   Crediter
	audit      voice.AuditTrail
	exclusions voice.ExclusionList
	gate       VoiceGate
	publisher  shared.EventPublisher
	clock      timeutil.Clock
	logger     *slog.Logger
	config     Config

	// base is the parent of every accrual loop context.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.RWMutex
	sessions map[shared.UserID]*handle

	admitMu   sync.Mutex
	mailboxes map[shared.UserID]*mailbox
	closed    bool
	drains    sync.WaitGroup

	running atomic.Int64
}

// handle binds a session to its accrual loop. Channel and policy may be
// swapped by the loop when it observes drift; the counters are read by
// snapshots without locking.
type handle struct {
	session voice.Session
	cancel  context.CancelFunc
	done    chan struct{}

	channel    atomic.Int64
	policy     atomic.Pointer[voice.ChannelPolicy]
	earned     atomic.Int64
	credits    atomic.Int64
	skipped    atomic.Int64
	lastCredit atomic.Int64
}

func (h *handle) currentChannel() shared.ChannelID {
	return shared.ChannelID(h.channel.Load())
}

func (h *handle) currentPolicy() voice.ChannelPolicy {
	return *h.policy.Load()
}

func (h *handle) adopt(p voice.ChannelPolicy) {
	h.channel.Store(int64(p.ChannelID))
	h.policy.Store(&p)
}

// NewRegistry creates a registry.
func NewRegistry(deps Deps, config Config) (*Registry, error) {
	if deps.Policies == nil || deps.State == nil || deps.Crediter == nil {
		return nil, errors.New("presence: policies, state and crediter are required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.CreditTimeout <= 0 {
		config.CreditTimeout = DefaultConfig().CreditTimeout
	}

	base, cancel := context.WithCancel(context.Background())

	return &Registry{
		policies:   deps.Policies,
		state:      deps.State,
		crediter:   deps.Crediter,
		audit:      deps.Audit,
		exclusions: deps.Exclusions,
		gate:       deps.Gate,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		logger:     logger.OrDefault(deps.Logger).With(logger.Component("presence")),
		config:     config,
		base:       base,
		cancelBase: cancel,
		sessions:   make(map[shared.UserID]*handle),
		mailboxes:  make(map[shared.UserID]*mailbox),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PUBLIC OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// OnJoin starts tracking a member who entered channelID. An existing session
// for the member is torn down first. If ctx ends while the join is queued the
// result is ErrOutcomeUnknown and the join still completes; resync settles it.
func (r *Registry) OnJoin(ctx context.Context, userID shared.UserID, guildID shared.GuildID, channelID shared.ChannelID) (JoinOutcome, error) {
	if !userID.IsValid() || !guildID.IsValid() || !channelID.IsValid() {
		return OutcomeNotEligible, shared.ErrInvalidMember
	}
	return admit(ctx, r, userID, func(ctx context.Context) (JoinOutcome, error) {
		return r.join(ctx, userID, guildID, channelID, voice.EndReplaced)
	})
}

// OnLeave stops tracking a member who left channelID. It is a no-op when the
// member has no session there. Exp of an unfinished interval is not awarded.
func (r *Registry) OnLeave(ctx context.Context, userID shared.UserID, guildID shared.GuildID, channelID shared.ChannelID) error {
	if !userID.IsValid() || !guildID.IsValid() {
		return shared.ErrInvalidMember
	}
	_, err := admit(ctx, r, userID, func(ctx context.Context) (struct{}, error) {
		h := r.current(userID)
		if h == nil || h.session.GuildID != guildID {
			return struct{}{}, nil
		}
		if channelID.IsValid() && h.currentChannel() != channelID {
			r.logger.Debug("leave for untracked channel ignored",
				logger.UserID(userID), logger.ChannelID(channelID),
				slog.Int64("tracked_channel", int64(h.currentChannel())))
			return struct{}{}, nil
		}
		r.teardown(ctx, h, voice.EndLeft)
		return struct{}{}, nil
	})
	return err
}

// OnMove ends the session in from and joins to, as one admitted operation.
// A cancelled ctx yields ErrOutcomeUnknown, as with OnJoin.
func (r *Registry) OnMove(ctx context.Context, userID shared.UserID, guildID shared.GuildID, from, to shared.ChannelID) (JoinOutcome, error) {
	if !userID.IsValid() || !guildID.IsValid() || !to.IsValid() {
		return OutcomeNotEligible, shared.ErrInvalidMember
	}
	return admit(ctx, r, userID, func(ctx context.Context) (JoinOutcome, error) {
		r.logger.Debug("member moved", logger.UserID(userID),
			slog.Int64("from", int64(from)), slog.Int64("to", int64(to)))
		if h := r.current(userID); h != nil {
			r.teardown(ctx, h, voice.EndMoved)
		}
		return r.join(ctx, userID, guildID, to, voice.EndMoved)
	})
}

// ForceLeave ends a member's session in guildID because they became
// ineligible. It reports whether a session was ended.
func (r *Registry) ForceLeave(ctx context.Context, userID shared.UserID, guildID shared.GuildID, reason string) (bool, error) {
	return admit(ctx, r, userID, func(ctx context.Context) (bool, error) {
		h := r.current(userID)
		if h == nil || h.session.GuildID != guildID {
			return false, nil
		}
		r.logger.Info("forcing session end",
			logger.UserID(userID), logger.GuildID(guildID), slog.String("reason", reason))
		r.teardown(ctx, h, voice.EndForced)
		return true, nil
	})
}

// Shutdown stops admitting work, lets queued operations finish, and then
// tears down every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.admitMu.Lock()
	r.closed = true
	r.admitMu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.drains.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		r.cancelBase()
		return fmt.Errorf("presence: shutdown: %w", ctx.Err())
	}

	r.mu.RLock()
	handles := make([]*handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		r.teardown(context.WithoutCancel(ctx), h, voice.EndShutdown)
	}
	r.cancelBase()

	r.logger.Info("session registry stopped", slog.Int("sessions_closed", len(handles)))
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Running returns the number of accrual loops that have not exited.
func (r *Registry) Running() int {
	return int(r.running.Load())
}

// Snapshot lists the live sessions of a guild, or of every guild when
// guildID is zero, ordered by join time. It mutates nothing.
func (r *Registry) Snapshot(guildID shared.GuildID) []voice.SessionView {
	now := r.clock.Now()

	r.mu.RLock()
	views := make([]voice.SessionView, 0, len(r.sessions))
	for _, h := range r.sessions {
		if guildID != 0 && h.session.GuildID != guildID {
			continue
		}
		views = append(views, h.view(now))
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].JoinedAt.Equal(views[j].JoinedAt) {
			return views[i].UserID < views[j].UserID
		}
		return views[i].JoinedAt.Before(views[j].JoinedAt)
	})
	return views
}

func (h *handle) view(now time.Time) voice.SessionView {
	s := h.session
	s.ChannelID = h.currentChannel()
	s.Policy = h.currentPolicy()

	v := voice.SessionView{
		Session:     s,
		Elapsed:     now.Sub(s.JoinedAt),
		ExpEarned:   h.earned.Load(),
		Credits:     int(h.credits.Load()),
		SkippedTick: int(h.skipped.Load()),
	}
	if ns := h.lastCredit.Load(); ns != 0 {
		v.LastCredit = time.Unix(0, ns).UTC()
	}
	return v
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMITTED INTERNALS
// These run on the member's mailbox only.
// ══════════════════════════════════════════════════════════════════════════════

func (r *Registry) current(userID shared.UserID) *handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

func (r *Registry) isCurrent(h *handle) bool {
	return r.current(h.session.UserID) == h
}

func (r *Registry) join(ctx context.Context, userID shared.UserID, guildID shared.GuildID, channelID shared.ChannelID, replaced voice.EndReason) (JoinOutcome, error) {
	log := r.logger.With(logger.UserID(userID), logger.GuildID(guildID), logger.ChannelID(channelID))

	if h := r.current(userID); h != nil {
		r.teardown(ctx, h, replaced)
	}

	policy, ok, err := r.policies.Lookup(ctx, channelID)
	if err != nil {
		return OutcomeNotEligible, fmt.Errorf("presence: policy lookup: %w", err)
	}
	if !ok {
		return OutcomeNotEligible, nil
	}
	if policy.GuildID != guildID {
		log.Warn("channel policy belongs to another guild", slog.Int64("policy_guild", int64(policy.GuildID)))
		return OutcomeNotEligible, nil
	}

	if r.gate != nil {
		allowed, err := r.gate.CanUseVoice(ctx, userID, guildID)
		if err != nil {
			return OutcomeNotEligible, fmt.Errorf("presence: moderation check: %w", err)
		}
		if !allowed {
			log.Info("voice restricted, session not started")
			return OutcomeRestricted, nil
		}
	}

	session := voice.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		GuildID:   guildID,
		ChannelID: channelID,
		JoinedAt:  r.clock.Now().UTC(),
		Policy:    policy,
	}

	if r.audit != nil {
		if err := r.audit.RecordJoin(ctx, session); err != nil {
			return OutcomeNotEligible, fmt.Errorf("presence: record join: %w", err)
		}
	}

	if err := r.start(session); err != nil {
		if r.audit != nil {
			_ = r.audit.RecordLeave(ctx, session.ID, session.JoinedAt, 0, voice.EndReplaced)
		}
		log.Error("session invariant violated, join rejected", logger.Err(err))
		return OutcomeNotEligible, err
	}

	r.publish(shared.SessionStartedEvent{
		BaseEvent:       shared.NewBaseEvent(shared.EventSessionStarted, session.Key().String(), session.JoinedAt),
		SessionID:       session.ID,
		UserID:          userID,
		GuildID:         guildID,
		ChannelID:       channelID,
		JoinedAt:        session.JoinedAt,
		IntervalMinutes: policy.IntervalMinutes,
		ExpPerInterval:  policy.ExpPerInterval,
	})

	log.Info("voice session started",
		slog.String("session_id", session.ID),
		slog.Int("interval_minutes", policy.IntervalMinutes),
		slog.Int("exp_per_interval", policy.ExpPerInterval))

	return OutcomeStarted, nil
}

// start registers the session and launches its only accrual loop.
func (r *Registry) start(s voice.Session) error {
	ctx, cancel := context.WithCancel(r.base)
	h := &handle{
		session: s,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.adopt(s.Policy)

	r.mu.Lock()
	if _, ok := r.sessions[s.UserID]; ok {
		r.mu.Unlock()
		cancel()
		return shared.ErrDuplicateSession
	}
	r.sessions[s.UserID] = h
	r.mu.Unlock()

	r.running.Add(1)
	go r.run(ctx, h)
	return nil
}

// teardown cancels the loop, waits for it to exit, then forgets the session
// and closes its audit row. Only completed credits count toward exp earned.
func (r *Registry) teardown(ctx context.Context, h *handle, reason voice.EndReason) {
	h.cancel()
	<-h.done

	r.mu.Lock()
	if r.sessions[h.session.UserID] == h {
		delete(r.sessions, h.session.UserID)
	}
	r.mu.Unlock()

	endedAt := r.clock.Now().UTC()
	earned := h.earned.Load()
	credits := int(h.credits.Load())
	s := h.session

	if r.audit != nil {
		if err := r.audit.RecordLeave(ctx, s.ID, endedAt, earned, reason); err != nil {
			r.logger.Error("failed to close session audit row",
				slog.String("session_id", s.ID), logger.Err(err))
		}
	}

	r.publish(shared.SessionEndedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionEnded, s.Key().String(), endedAt),
		SessionID: s.ID,
		UserID:    s.UserID,
		GuildID:   s.GuildID,
		ChannelID: h.currentChannel(),
		JoinedAt:  s.JoinedAt,
		EndedAt:   endedAt,
		ExpEarned: earned,
		Credits:   credits,
		Reason:    string(reason),
	})

	r.logger.Info("voice session ended",
		logger.UserID(s.UserID),
		logger.GuildID(s.GuildID),
		slog.String("session_id", s.ID),
		slog.String("reason", string(reason)),
		slog.String("duration", timeutil.FormatDuration(endedAt.Sub(s.JoinedAt))),
		slog.Int64("exp_earned", earned),
		slog.Int("credits", credits))
}

// expire is called by a loop that ended itself. The teardown is queued on
// the member's mailbox and only applies if the loop is still the current one.
func (r *Registry) expire(h *handle) {
	err := r.submit(h.session.UserID, func() {
		if r.isCurrent(h) {
			r.teardown(context.Background(), h, voice.EndExpired)
		}
	})
	if err != nil && !errors.Is(err, shared.ErrRegistryClosed) {
		r.logger.Error("failed to queue session expiry", logger.UserID(h.session.UserID), logger.Err(err))
	}
}

func (r *Registry) publish(event shared.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(event); err != nil {
		r.logger.Warn("failed to publish event",
			slog.String("event_type", string(event.EventType())), logger.Err(err))
	}
}
