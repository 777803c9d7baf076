package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

const (
	guildA   shared.GuildID   = 1
	chanMain shared.ChannelID = 100
	chanFast shared.ChannelID = 200
	chanIdle shared.ChannelID = 999
)

var tenAM = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// ── policies ─────────────────────────────────────────────────────────────────

type fakePolicies struct {
	mu sync.RWMutex
	by map[shared.ChannelID]voice.ChannelPolicy
}

func newFakePolicies(ps ...voice.ChannelPolicy) *fakePolicies {
	f := &fakePolicies{by: make(map[shared.ChannelID]voice.ChannelPolicy)}
	for _, p := range ps {
		f.by[p.ChannelID] = p
	}
	return f
}

func (f *fakePolicies) set(p voice.ChannelPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.by[p.ChannelID] = p
}

func (f *fakePolicies) remove(id shared.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.by, id)
}

func (f *fakePolicies) Lookup(_ context.Context, id shared.ChannelID) (voice.ChannelPolicy, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.by[id]
	return p, ok, nil
}

func (f *fakePolicies) Channels(_ context.Context, g shared.GuildID) ([]voice.ChannelPolicy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []voice.ChannelPolicy
	for _, p := range f.by {
		if p.GuildID == g {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePolicies) Guilds(context.Context) ([]shared.GuildID, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := map[shared.GuildID]bool{}
	var out []shared.GuildID
	for _, p := range f.by {
		if !seen[p.GuildID] {
			seen[p.GuildID] = true
			out = append(out, p.GuildID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ── crediter ─────────────────────────────────────────────────────────────────

type memCrediter struct {
	mu       sync.Mutex
	curve    *leveling.Curve
	progress map[shared.MemberKey]leveling.Progress
	calls    int
	failNext int
}

func newMemCrediter() *memCrediter {
	return &memCrediter{
		curve:    leveling.MustDefaultCurve(),
		progress: make(map[shared.MemberKey]leveling.Progress),
	}
}

func (c *memCrediter) Credit(_ context.Context, key shared.MemberKey, amount int64) (leveling.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failNext > 0 {
		c.failNext--
		return leveling.Transition{}, errors.New("store unavailable")
	}
	c.calls++
	p, ok := c.progress[key]
	if !ok {
		p = leveling.NewProgress(key)
	}
	p, tr := c.curve.ApplyCredit(p, amount)
	c.progress[key] = p
	return tr, nil
}

func (c *memCrediter) total(user shared.UserID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress[shared.MemberKey{UserID: user, GuildID: guildA}].TotalExp
}

func (c *memCrediter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ── audit ────────────────────────────────────────────────────────────────────

type leaveRecord struct {
	earned int64
	reason voice.EndReason
}

type fakeAudit struct {
	mu     sync.Mutex
	joins  []voice.Session
	leaves map[string]leaveRecord
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{leaves: make(map[string]leaveRecord)}
}

func (a *fakeAudit) RecordJoin(_ context.Context, s voice.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joins = append(a.joins, s)
	return nil
}

func (a *fakeAudit) RecordLeave(_ context.Context, id string, _ time.Time, earned int64, reason voice.EndReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves[id] = leaveRecord{earned: earned, reason: reason}
	return nil
}

func (a *fakeAudit) CloseDangling(context.Context, time.Time) (int, error) { return 0, nil }

func (a *fakeAudit) Recent(context.Context, shared.MemberKey, int) ([]voice.SessionRecord, error) {
	return nil, nil
}

func (a *fakeAudit) joinCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.joins)
}

func (a *fakeAudit) leaveOf(sessionID string) (leaveRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leaves[sessionID]
	return l, ok
}

func (a *fakeAudit) reasons() []voice.EndReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []voice.EndReason
	for _, l := range a.leaves {
		out = append(out, l.reason)
	}
	return out
}

// ── gating ───────────────────────────────────────────────────────────────────

type fakeGates struct {
	mu         sync.Mutex
	excluded   map[shared.UserID]bool
	restricted map[shared.UserID]bool
}

func newFakeGates() *fakeGates {
	return &fakeGates{excluded: map[shared.UserID]bool{}, restricted: map[shared.UserID]bool{}}
}

func (g *fakeGates) IsExcluded(_ context.Context, _ shared.GuildID, u shared.UserID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.excluded[u], nil
}

func (g *fakeGates) Toggle(_ context.Context, _ shared.GuildID, u shared.UserID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.excluded[u] = !g.excluded[u]
	return g.excluded[u], nil
}

func (g *fakeGates) List(context.Context, shared.GuildID) ([]shared.UserID, error) { return nil, nil }

func (g *fakeGates) CanUseVoice(_ context.Context, u shared.UserID, _ shared.GuildID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.restricted[u], nil
}

func (g *fakeGates) setExcluded(u shared.UserID, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.excluded[u] = v
}

func (g *fakeGates) setRestricted(u shared.UserID, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restricted[u] = v
}

// ── events ───────────────────────────────────────────────────────────────────

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// ── fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	registry  *Registry
	clock     *timeutil.ManualClock
	book      *StateBook
	policies  *fakePolicies
	crediter  *memCrediter
	audit     *fakeAudit
	gates     *fakeGates
	publisher *recordingPublisher
}

func policyFor(ch shared.ChannelID, minutes, exp int) voice.ChannelPolicy {
	return voice.ChannelPolicy{
		ChannelID:       ch,
		GuildID:         guildA,
		IntervalMinutes: minutes,
		ExpPerInterval:  exp,
		ActiveHourStart: 6,
		ActiveHourEnd:   24,
	}
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()

	f := &fixture{
		clock:     timeutil.NewManualClock(start),
		book:      NewStateBook(),
		policies:  newFakePolicies(policyFor(chanMain, 5, 10), policyFor(chanFast, 5, 25)),
		crediter:  newMemCrediter(),
		audit:     newFakeAudit(),
		gates:     newFakeGates(),
		publisher: &recordingPublisher{},
	}

	reg, err := NewRegistry(Deps{
		Policies:   f.policies,
		State:      f.book,
		Crediter:   f.crediter,
		Audit:      f.audit,
		Exclusions: f.gates,
		Gate:       f.gates,
		Publisher:  f.publisher,
		Clock:      f.clock,
		Logger:     logger.Discard(),
	}, Config{Location: time.UTC, CreditTimeout: time.Second})
	require.NoError(t, err)
	f.registry = reg

	t.Cleanup(func() {
		_ = reg.Shutdown(context.Background())
	})
	return f
}

// join places the member in the book and admits the join.
func (f *fixture) join(t *testing.T, user shared.UserID, ch shared.ChannelID) JoinOutcome {
	t.Helper()
	f.book.Apply(voice.PresenceChange{UserID: user, GuildID: guildA, To: ch})
	out, err := f.registry.OnJoin(context.Background(), user, guildA, ch)
	require.NoError(t, err)
	return out
}

// tick advances the clock by d and waits until every live loop has re-armed.
func (f *fixture) tick(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	require.True(t, f.clock.WaitForTimers(f.registry.Running(), 2*time.Second), "accrual loops did not re-arm")
}

func (f *fixture) sessionID(t *testing.T, user shared.UserID) string {
	t.Helper()
	for _, v := range f.registry.Snapshot(0) {
		if v.UserID == user {
			return v.ID
		}
	}
	t.Fatalf("no session for user %d", user)
	return ""
}
