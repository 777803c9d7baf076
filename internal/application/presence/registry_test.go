package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
)

func TestRegistry_TwoTicksThenLeaveMidInterval(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	require.Equal(t, OutcomeStarted, f.join(t, 7, chanMain))
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))
	id := f.sessionID(t, 7)

	f.tick(t, 5*time.Minute) // 10:05
	assert.Equal(t, int64(10), f.crediter.total(7))

	f.tick(t, 5*time.Minute) // 10:10
	assert.Equal(t, int64(20), f.crediter.total(7))

	f.clock.Advance(2 * time.Minute) // 10:12, mid third interval
	require.NoError(t, f.registry.OnLeave(ctx, 7, guildA, chanMain))

	assert.Equal(t, int64(20), f.crediter.total(7))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.registry.Running())
	assert.Equal(t, 0, f.clock.Pending())

	leave, ok := f.audit.leaveOf(id)
	require.True(t, ok)
	assert.Equal(t, int64(20), leave.earned)
	assert.Equal(t, voice.EndLeft, leave.reason)

	ended := f.publisher.ofType(shared.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, int64(20), ended[0].(shared.SessionEndedEvent).ExpEarned)
	assert.Equal(t, 12*time.Minute, ended[0].(shared.SessionEndedEvent).Duration())
}

func TestRegistry_ConcurrentJoinsKeepOneSession(t *testing.T) {
	f := newFixture(t, tenAM)
	f.book.Apply(voice.PresenceChange{UserID: 7, GuildID: guildA, To: chanMain})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.registry.OnJoin(context.Background(), 7, guildA, chanMain)
			assert.NoError(t, err)
			assert.Equal(t, OutcomeStarted, out)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, f.registry.Running())
	assert.Equal(t, 10, f.audit.joinCount())

	reasons := f.audit.reasons()
	assert.Len(t, reasons, 9)
	for _, r := range reasons {
		assert.Equal(t, voice.EndReplaced, r)
	}

	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))
	f.tick(t, 5*time.Minute)
	assert.Equal(t, 1, f.crediter.callCount())
}

func TestRegistry_NoCreditAfterLeave(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.registry.OnLeave(ctx, 7, guildA, chanMain))

	f.clock.Advance(30 * time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, f.crediter.callCount())
	assert.Equal(t, 0, f.registry.Running())
	assert.Equal(t, int64(0), f.crediter.total(7))
}

func TestRegistry_LeaveWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, tenAM)
	require.NoError(t, f.registry.OnLeave(context.Background(), 7, guildA, chanMain))
	assert.Equal(t, 0, f.audit.joinCount())
}

func TestRegistry_LateLeaveForOldChannelKeepsNewSession(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	f.join(t, 7, chanMain)
	f.book.Apply(voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanMain, To: chanFast})
	_, err := f.registry.OnMove(ctx, 7, guildA, chanMain, chanFast)
	require.NoError(t, err)

	require.NoError(t, f.registry.OnLeave(ctx, 7, guildA, chanMain))
	require.Equal(t, 1, f.registry.Len())
	assert.Equal(t, chanFast, f.registry.Snapshot(guildA)[0].ChannelID)
}

func TestRegistry_NotEligibleChannel(t *testing.T) {
	f := newFixture(t, tenAM)

	assert.Equal(t, OutcomeNotEligible, f.join(t, 7, chanIdle))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.audit.joinCount())
}

func TestRegistry_RestrictedMemberGetsNoSession(t *testing.T) {
	f := newFixture(t, tenAM)
	f.gates.setRestricted(7, true)

	assert.Equal(t, OutcomeRestricted, f.join(t, 7, chanMain))
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegistry_InvalidIDs(t *testing.T) {
	f := newFixture(t, tenAM)

	_, err := f.registry.OnJoin(context.Background(), 0, guildA, chanMain)
	assert.ErrorIs(t, err, shared.ErrInvalidID)
}

func TestAccrual_GatedHourAwardsNothing(t *testing.T) {
	f := newFixture(t, time.Date(2024, 5, 1, 2, 58, 0, 0, time.UTC))

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.tick(t, 5*time.Minute) // 03:03
	assert.Equal(t, int64(0), f.crediter.total(7))
	assert.Equal(t, 0, f.crediter.callCount())

	snap := f.registry.Snapshot(guildA)
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].SkippedTick)

	// Skipped ticks are not back-paid once the window opens.
	f.tick(t, 3*time.Hour) // 06:03
	assert.Equal(t, int64(10), f.crediter.total(7))
}

func TestAccrual_ExclusionSkipsTicks(t *testing.T) {
	f := newFixture(t, tenAM)
	f.gates.setExcluded(7, true)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(0), f.crediter.total(7))

	f.gates.setExcluded(7, false)
	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(10), f.crediter.total(7))
}

func TestAccrual_RestrictionMidSessionSkipsTicks(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.gates.setRestricted(7, true)
	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(0), f.crediter.total(7))
	assert.Equal(t, 1, f.registry.Len())
}

func TestAccrual_AdoptsPolicyOfUnseenMove(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	// The gateway state moved, but the registry has not seen the move yet.
	f.book.Apply(voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanMain, To: chanFast})

	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(25), f.crediter.total(7))

	snap := f.registry.Snapshot(guildA)
	require.Len(t, snap, 1)
	assert.Equal(t, chanFast, snap[0].ChannelID)
	assert.Equal(t, 25, snap[0].Policy.ExpPerInterval)
}

func TestAccrual_ObservesPolicyEdits(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.policies.set(policyFor(chanMain, 5, 40))
	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(40), f.crediter.total(7))
}

func TestAccrual_ExpiresWhenMemberGone(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))
	id := f.sessionID(t, 7)

	f.book.Apply(voice.PresenceChange{UserID: 7, GuildID: guildA, From: chanMain})
	f.clock.Advance(5 * time.Minute)

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.audit.leaveOf(id)
		return ok
	}, 2*time.Second, time.Millisecond)

	leave, _ := f.audit.leaveOf(id)
	assert.Equal(t, voice.EndExpired, leave.reason)
	assert.Equal(t, 0, f.crediter.callCount())
}

func TestAccrual_ExpiresWhenPolicyRemoved(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.policies.remove(chanMain)
	f.clock.Advance(5 * time.Minute)

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, f.crediter.callCount())
}

func TestAccrual_FailedTickKeepsLooping(t *testing.T) {
	f := newFixture(t, tenAM)
	f.crediter.failNext = 1

	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))

	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(0), f.crediter.total(7))

	f.tick(t, 5*time.Minute)
	assert.Equal(t, int64(10), f.crediter.total(7))
	assert.Equal(t, int64(10), f.registry.Snapshot(guildA)[0].ExpEarned)
}

func TestRegistry_ForceLeave(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	f.join(t, 7, chanMain)
	id := f.sessionID(t, 7)

	ended, err := f.registry.ForceLeave(ctx, 7, guildA+1, "wrong guild")
	require.NoError(t, err)
	assert.False(t, ended)

	ended, err = f.registry.ForceLeave(ctx, 7, guildA, "warnings")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, 0, f.registry.Len())

	leave, ok := f.audit.leaveOf(id)
	require.True(t, ok)
	assert.Equal(t, voice.EndForced, leave.reason)
}

func TestRegistry_SnapshotIsReadOnly(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 8, chanFast)
	require.True(t, f.clock.WaitForTimers(1, 2*time.Second))
	f.clock.Advance(time.Minute)
	f.join(t, 7, chanMain)
	require.True(t, f.clock.WaitForTimers(2, 2*time.Second))

	f.tick(t, 4*time.Minute) // 10:05, only user 8 is due

	snap := f.registry.Snapshot(guildA)
	require.Len(t, snap, 2)
	assert.Equal(t, shared.UserID(8), snap[0].UserID)
	assert.Equal(t, 5*time.Minute, snap[0].Elapsed)
	assert.Equal(t, int64(25), snap[0].ExpEarned)
	assert.Equal(t, 1, snap[0].Credits)
	assert.Equal(t, 4*time.Minute, snap[1].Elapsed)
	assert.Equal(t, int64(0), snap[1].ExpEarned)

	assert.Empty(t, f.registry.Snapshot(guildA+1))
	assert.Equal(t, snap, f.registry.Snapshot(guildA))
}

func TestRegistry_Shutdown(t *testing.T) {
	f := newFixture(t, tenAM)
	ctx := context.Background()

	f.join(t, 7, chanMain)
	f.join(t, 8, chanFast)
	require.Equal(t, 2, f.registry.Len())

	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.registry.Running())
	assert.ElementsMatch(t, []voice.EndReason{voice.EndShutdown, voice.EndShutdown}, f.audit.reasons())

	_, err := f.registry.OnJoin(ctx, 9, guildA, chanMain)
	assert.ErrorIs(t, err, shared.ErrRegistryClosed)
}

func TestRegistry_MailboxesAreReleased(t *testing.T) {
	f := newFixture(t, tenAM)

	f.join(t, 7, chanMain)
	require.NoError(t, f.registry.OnLeave(context.Background(), 7, guildA, chanMain))

	require.Eventually(t, func() bool {
		f.registry.admitMu.Lock()
		defer f.registry.admitMu.Unlock()
		return len(f.registry.mailboxes) == 0
	}, time.Second, time.Millisecond)
}

func TestRegistry_AbandonedJoinStillCompletes(t *testing.T) {
	f := newFixture(t, tenAM)
	f.book.Apply(voice.PresenceChange{UserID: 9, GuildID: guildA, To: chanMain})

	release := make(chan struct{})
	require.NoError(t, f.registry.submit(9, func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.registry.OnJoin(ctx, 9, guildA, chanMain)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeNotEligible, out)

	close(release)
	assert.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.audit.joinCount())
}
