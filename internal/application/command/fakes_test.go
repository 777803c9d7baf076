package command

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/retry"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

var (
	member = shared.MemberKey{UserID: 42, GuildID: 7}
	noon   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// memProgress is a leveling.Repository that can inject contention.
type memProgress struct {
	mu        sync.Mutex
	rows      map[shared.MemberKey]leveling.Progress
	contended int
	attempts  int
}

func newMemProgress() *memProgress {
	return &memProgress{rows: make(map[shared.MemberKey]leveling.Progress)}
}

func (m *memProgress) GetOrCreate(_ context.Context, key shared.MemberKey) (leveling.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[key]
	if !ok {
		p = leveling.NewProgress(key)
		m.rows[key] = p
	}
	return p, nil
}

func (m *memProgress) Find(_ context.Context, key shared.MemberKey) (leveling.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[key]
	if !ok {
		return leveling.Progress{}, shared.ErrProgressNotFound
	}
	return p, nil
}

func (m *memProgress) Update(_ context.Context, key shared.MemberKey, fn leveling.UpdateFunc) (leveling.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++

	p, ok := m.rows[key]
	if !ok {
		p = leveling.NewProgress(key)
	}
	if err := fn(&p); err != nil {
		return leveling.Progress{}, err
	}
	if m.contended > 0 {
		m.contended--
		return leveling.Progress{}, shared.Contention("Update", errors.New("deadlock detected"))
	}
	m.rows[key] = p
	return p, nil
}

func (m *memProgress) Top(_ context.Context, guild shared.GuildID, _ leveling.RankBy, limit int) ([]leveling.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leveling.Progress
	for _, p := range m.rows {
		if p.GuildID == guild {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Points > out[j].Points })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memProgress) seed(p leveling.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.Key()] = p
}

func (m *memProgress) get(key shared.MemberKey) leveling.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
	err    error
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
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

// memWarnings is a moderation.Repository keeping warnings in insertion order.
type memWarnings struct {
	mu   sync.Mutex
	byID map[shared.MemberKey][]moderation.Warning
	next int64
}

func newMemWarnings() *memWarnings {
	return &memWarnings{byID: make(map[shared.MemberKey][]moderation.Warning)}
}

func (m *memWarnings) Add(_ context.Context, w moderation.Warning, count int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shared.MemberKey{UserID: w.UserID, GuildID: w.GuildID}
	for i := 0; i < count; i++ {
		m.next++
		w.ID = m.next
		m.byID[key] = append(m.byID[key], w)
	}
	return len(m.byID[key]), nil
}

func (m *memWarnings) Remove(_ context.Context, key shared.MemberKey, count int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.byID[key]
	if count > len(ws) {
		count = len(ws)
	}
	m.byID[key] = ws[:len(ws)-count]
	return count, len(m.byID[key]), nil
}

func (m *memWarnings) Count(_ context.Context, key shared.MemberKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID[key]), nil
}

func (m *memWarnings) List(_ context.Context, key shared.MemberKey) ([]moderation.Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]moderation.Warning(nil), m.byID[key]...), nil
}

type fakeEnder struct {
	mu     sync.Mutex
	calls  []string
	active bool
}

func (f *fakeEnder) ForceLeave(_ context.Context, _ shared.UserID, _ shared.GuildID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reason)
	ended := f.active
	f.active = false
	return ended, nil
}

type fakeExclusions struct {
	mu  sync.Mutex
	set map[shared.UserID]bool
}

func (f *fakeExclusions) IsExcluded(_ context.Context, _ shared.GuildID, u shared.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[u], nil
}

func (f *fakeExclusions) Toggle(_ context.Context, _ shared.GuildID, u shared.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = map[shared.UserID]bool{}
	}
	f.set[u] = !f.set[u]
	return f.set[u], nil
}

func (f *fakeExclusions) List(context.Context, shared.GuildID) ([]shared.UserID, error) {
	return nil, nil
}

func fastRetrier() *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(5),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
		retry.WithRetryIf(shared.IsTransient),
	)
}

type env struct {
	repo      *memProgress
	publisher *recordingPublisher
	writer    *ProgressWriter
	curve     *leveling.Curve
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:      newMemProgress(),
		publisher: &recordingPublisher{},
		curve:     leveling.MustDefaultCurve(),
	}
	e.writer = NewProgressWriter(e.repo, e.curve, e.publisher, WriterConfig{
		Retrier: fastRetrier(),
		Clock:   timeutil.NewManualClock(noon),
		Logger:  logger.Discard(),
	})
	return e
}
