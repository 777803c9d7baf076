package leveling

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

var (
	testKey  = shared.MemberKey{UserID: 42, GuildID: 7}
	testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func graduatedCurve(t *testing.T) *Curve {
	t.Helper()
	cfg := DefaultCurveConfig()
	cfg.Points = PointTable{
		{Start: 1, End: 2, Points: 5},
		{Start: 3, End: 3, Points: 7},
		{Start: 4, End: 100, Points: 11},
	}
	c, err := NewCurve(cfg)
	require.NoError(t, err)
	return c
}

func TestApplyCredit_WithinLevel(t *testing.T) {
	c := MustDefaultCurve()
	p := NewProgress(testKey)

	p, tr := c.ApplyCredit(p, 10)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, int64(10), p.Exp)
	assert.Equal(t, int64(10), p.TotalExp)
	assert.False(t, tr.LevelChanged())
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.True(t, c.Consistent(p))
}

func TestApplyCredit_SumsEveryCrossedLevel(t *testing.T) {
	c := graduatedCurve(t)
	p := NewProgress(testKey)

	// 100 + 200 + 300 reaches level 4 exactly.
	p, tr := c.ApplyCredit(p, 600)
	assert.Equal(t, 4, p.Level)
	assert.Equal(t, int64(0), p.Exp)
	assert.Equal(t, 3, tr.LevelsGained())
	assert.Equal(t, int64(5+7+11), tr.PointsAwarded)
	assert.Equal(t, int64(23), p.Points)
	assert.Equal(t, p.Points, tr.NewPoints)
	assert.True(t, tr.LeveledUp())
}

func TestApplyCredit_NegativeFloorsAndKeepsPoints(t *testing.T) {
	c := MustDefaultCurve()
	p := NewProgress(testKey)
	p, _ = c.ApplyCredit(p, 350)
	require.Equal(t, 3, p.Level)
	points := p.Points

	p, tr := c.ApplyCredit(p, -10_000)
	assert.Equal(t, int64(0), p.TotalExp)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, points, p.Points)
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.False(t, tr.LeveledUp())
	assert.True(t, tr.LevelChanged())
}

func TestSetLevel_UpAwardsCrossedRange(t *testing.T) {
	c := MustDefaultCurve()
	p := NewProgress(testKey)

	p, tr := c.SetLevel(p, 5, true)
	assert.Equal(t, 5, p.Level)
	assert.Equal(t, int64(0), p.Exp)
	assert.Equal(t, c.RequiredExp(1)+c.RequiredExp(2)+c.RequiredExp(3)+c.RequiredExp(4), p.TotalExp)
	assert.Equal(t, int64(40), tr.PointsAwarded)
	assert.Equal(t, int64(40), p.Points)
}

func TestSetLevel_DownNeverClawsBack(t *testing.T) {
	c := MustDefaultCurve()
	p := NewProgress(testKey)
	p, _ = c.SetLevel(p, 5, true)

	p, tr := c.SetLevel(p, 1, true)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, int64(0), p.TotalExp)
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.Equal(t, int64(40), p.Points)
}

func TestSetLevel_WithoutAward(t *testing.T) {
	c := MustDefaultCurve()
	p, tr := c.SetLevel(NewProgress(testKey), 12, false)
	assert.Equal(t, 12, p.Level)
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.Equal(t, int64(0), p.Points)
	assert.Equal(t, c.TotalExpForLevel(12), p.TotalExp)
}

func TestSetLevel_SameLevelResetsExp(t *testing.T) {
	c := MustDefaultCurve()
	p, _ := c.ApplyCredit(NewProgress(testKey), 150)
	require.Equal(t, 2, p.Level)

	p, tr := c.SetLevel(p, 2, true)
	assert.Equal(t, int64(0), p.Exp)
	assert.Equal(t, int64(100), p.TotalExp)
	assert.Equal(t, int64(0), tr.PointsAwarded)
}

func TestSetLevel_Clamps(t *testing.T) {
	c := MustDefaultCurve()

	p, _ := c.SetLevel(NewProgress(testKey), 0, true)
	assert.Equal(t, 1, p.Level)

	p, _ = c.SetLevel(p, c.MaxLevel()+100, false)
	assert.Equal(t, c.MaxLevel(), p.Level)
	assert.True(t, c.Consistent(p))
}

func TestSetLevelExp(t *testing.T) {
	c := MustDefaultCurve()
	p, _ := c.SetLevel(NewProgress(testKey), 3, false)

	p, tr := c.SetLevelExp(p, 120)
	assert.Equal(t, 3, p.Level)
	assert.Equal(t, int64(120), p.Exp)
	assert.Equal(t, int64(300+120), p.TotalExp)
	assert.False(t, tr.LevelChanged())

	// 300 fills level 3 and rolls into level 4.
	p, tr = c.SetLevelExp(p, 350)
	assert.Equal(t, 4, p.Level)
	assert.Equal(t, int64(50), p.Exp)
	assert.Equal(t, int64(10), tr.PointsAwarded)
}

func TestAddLevels(t *testing.T) {
	c := MustDefaultCurve()
	p, _ := c.SetLevel(NewProgress(testKey), 4, false)

	p, tr := c.AddLevels(p, 3, true)
	assert.Equal(t, 7, p.Level)
	assert.Equal(t, int64(30), tr.PointsAwarded)

	p, tr = c.AddLevels(p, -10, true)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.Equal(t, int64(30), p.Points)
}

func TestAddLevels_SaturatesHugeDeltas(t *testing.T) {
	c := MustDefaultCurve()
	start, _ := c.SetLevel(NewProgress(testKey), 5, false)

	p, tr := c.AddLevels(start, math.MaxInt, true)
	assert.Equal(t, c.MaxLevel(), p.Level)
	assert.Equal(t, c.PointsBetween(5, c.MaxLevel()), tr.PointsAwarded)
	assert.Equal(t, c.TotalExpForLevel(c.MaxLevel()), p.TotalExp)

	p, tr = c.AddLevels(start, math.MinInt, true)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, int64(0), tr.PointsAwarded)
	assert.Equal(t, int64(0), p.TotalExp)
}

func TestAdjustPoints(t *testing.T) {
	p := NewProgress(testKey)
	p.Points = 50

	p, old := AdjustPoints(p, PointsAdd, -20)
	assert.Equal(t, int64(50), old)
	assert.Equal(t, int64(30), p.Points)

	p, _ = AdjustPoints(p, PointsAdd, -100)
	assert.Equal(t, int64(0), p.Points)

	p, _ = AdjustPoints(p, PointsSet, 75)
	assert.Equal(t, int64(75), p.Points)
}

func TestNormalize(t *testing.T) {
	c := MustDefaultCurve()
	p := Progress{UserID: 1, GuildID: 1, Level: 9, Exp: 3, TotalExp: 250, Points: -4}
	assert.False(t, c.Consistent(p))

	p = c.Normalize(p)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, int64(150), p.Exp)
	assert.Equal(t, int64(0), p.Points)
	assert.True(t, c.Consistent(p))
}

func TestTransitionEvent(t *testing.T) {
	c := MustDefaultCurve()
	_, tr := c.ApplyCredit(NewProgress(testKey), 300)

	ev := tr.Event(testKey, "voice", testTime)
	assert.Equal(t, 1, ev.OldLevel)
	assert.Equal(t, 3, ev.NewLevel)
	assert.Equal(t, int64(20), ev.PointsAwarded)
	assert.Equal(t, "voice", ev.Source)
	assert.Equal(t, shared.EventLevelChanged, ev.EventType())
}
