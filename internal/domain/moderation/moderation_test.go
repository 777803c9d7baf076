package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

type countRepo struct {
	Repository
	n int
}

func (r countRepo) Count(context.Context, shared.MemberKey) (int, error) { return r.n, nil }

func TestThresholds_Evaluate(t *testing.T) {
	th := DefaultThresholds()

	r := th.Evaluate(0)
	assert.True(t, r.CanSendMessages)
	assert.True(t, r.CanUseVoice)
	assert.False(t, r.ShouldBan)

	r = th.Evaluate(5)
	assert.False(t, r.CanSendMessages)
	assert.False(t, r.CanUseMarket)
	assert.True(t, r.CanUseVoice)

	r = th.Evaluate(7)
	assert.False(t, r.CanUseVoice)
	assert.False(t, r.ShouldBan)

	assert.True(t, th.Evaluate(10).ShouldBan)

	assert.True(t, th.LostVoice(6, 7))
	assert.True(t, th.LostVoice(2, 9))
	assert.False(t, th.LostVoice(7, 8))
	assert.False(t, th.LostVoice(3, 6))
}

func TestGate_CanUseVoice(t *testing.T) {
	ctx := context.Background()

	ok, err := NewGate(countRepo{n: 6}, DefaultThresholds()).CanUseVoice(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewGate(countRepo{n: 7}, DefaultThresholds()).CanUseVoice(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
