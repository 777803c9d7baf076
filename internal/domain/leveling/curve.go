// Package leveling implements the experience curve: how much exp each level
// requires, how a lifetime total maps back to (level, exp-within-level), how
// many points a level-up is worth, and the pure transitions that every
// progress write goes through.
package leveling

import (
	"fmt"
	"math"
	"sort"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONSTANTS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultBaseExp is the exp required for level 1.
	DefaultBaseExp = 100

	// DefaultMaxLevel caps LevelFromTotalExp.
	DefaultMaxLevel = 1000

	// LevelsPerTier is the width of one tier. Tier T spans levels 10T+1..10T+10.
	LevelsPerTier = 10

	// maxExactInt64 is 2^63 as a float64, the first value that no longer fits.
	maxExactInt64 = float64(1 << 63)
)

// DefaultMultipliers is the tier multiplier table in force for the live economy.
func DefaultMultipliers() map[int]float64 {
	return map[int]float64{
		0:  1.0,
		1:  3.5,
		2:  4.0,
		3:  4.5,
		4:  5.0,
		5:  5.5,
		6:  6.0,
		7:  6.5,
		8:  7.0,
		9:  7.5,
		10: 8.0,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CURVE
// ══════════════════════════════════════════════════════════════════════════════

// CurveConfig holds the tunables of the curve.
type CurveConfig struct {
	// BaseExp is the per-level step of tier 0.
	BaseExp int

	// Multipliers maps tier index to multiplier. Tiers without an entry use
	// the entry with the highest tier index.
	Multipliers map[int]float64

	// MaxLevel caps level derivation.
	MaxLevel int

	// Points is the level range table used for level-up rewards.
	Points PointTable
}

// DefaultCurveConfig returns the configuration of the live economy.
func DefaultCurveConfig() CurveConfig {
	return CurveConfig{
		BaseExp:     DefaultBaseExp,
		Multipliers: DefaultMultipliers(),
		MaxLevel:    DefaultMaxLevel,
		Points:      DefaultPointTable(),
	}
}

// Curve converts between levels and exp. It is immutable and safe for
// concurrent use.
type Curve struct {
	base        int64
	multipliers map[int]float64
	fallback    float64
	maxLevel    int
	points      PointTable

	// cumulative[l] is the total exp needed to reach level l, for 1..maxLevel.
	cumulative []int64
}

// NewCurve validates the configuration and precomputes the cumulative table.
func NewCurve(cfg CurveConfig) (*Curve, error) {
	if cfg.BaseExp < 1 {
		return nil, fmt.Errorf("leveling: base exp must be positive, got %d", cfg.BaseExp)
	}
	if len(cfg.Multipliers) == 0 {
		return nil, fmt.Errorf("leveling: multiplier table is empty")
	}
	if cfg.MaxLevel < 1 {
		cfg.MaxLevel = DefaultMaxLevel
	}
	if len(cfg.Points) == 0 {
		cfg.Points = DefaultPointTable()
	}
	if err := cfg.Points.Validate(); err != nil {
		return nil, err
	}

	c := &Curve{
		base:        int64(cfg.BaseExp),
		multipliers: make(map[int]float64, len(cfg.Multipliers)),
		points:      cfg.Points,
	}

	lastTier := -1
	for tier, m := range cfg.Multipliers {
		if tier < 0 {
			return nil, fmt.Errorf("leveling: negative tier %d in multiplier table", tier)
		}
		if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return nil, fmt.Errorf("leveling: multiplier for tier %d must be positive, got %v", tier, m)
		}
		c.multipliers[tier] = m
		if tier > lastTier {
			lastTier = tier
			c.fallback = m
		}
	}

	c.cumulative = []int64{0, 0}
	for level := 1; level < cfg.MaxLevel; level++ {
		req, exact := c.requiredExp(level)
		prev := c.cumulative[level]
		if !exact || prev > math.MaxInt64-req {
			break
		}
		c.cumulative = append(c.cumulative, prev+req)
	}
	c.maxLevel = len(c.cumulative) - 1

	return c, nil
}

// MustDefaultCurve returns the default curve; the default config is known valid.
func MustDefaultCurve() *Curve {
	c, err := NewCurve(DefaultCurveConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// MaxLevel is the highest level derivable from a total. It is the configured
// cap, lowered if cumulative exp would no longer fit in int64.
func (c *Curve) MaxLevel() int {
	return c.maxLevel
}

// Multiplier returns the multiplier applied at the given tier.
func (c *Curve) Multiplier(tier int) float64 {
	if m, ok := c.multipliers[tier]; ok {
		return m
	}
	return c.fallback
}

// TierOf returns the curve tier of a level: (level-1) div 10.
func TierOf(level int) int {
	if level < 1 {
		return 0
	}
	return (level - 1) / LevelsPerTier
}

// RequiredExp returns the exp needed to complete the given level.
// Values beyond int64 saturate at math.MaxInt64.
func (c *Curve) RequiredExp(level int) int64 {
	req, _ := c.requiredExp(level)
	return req
}

// requiredExp evaluates the curve in float64 in a fixed order of operations
// so that the truncated integers match the economy's published table.
func (c *Curve) requiredExp(level int) (int64, bool) {
	if level < 1 {
		return c.base, true
	}

	tier := TierOf(level)
	tierLevel := level - tier*LevelsPerTier

	if tier == 0 {
		return c.base * int64(tierLevel), true
	}

	prevTierLastExp := float64(c.base * 9)
	for t := 1; t < tier; t++ {
		prevTierBase := prevTierLastExp * c.Multiplier(t)
		prevTierLastExp = prevTierBase * 2
	}

	tierBaseExp := prevTierLastExp * c.Multiplier(tier)
	if tierLevel == 1 {
		return truncate(tierBaseExp)
	}

	expIncrement := tierBaseExp / 9
	return truncate(tierBaseExp + expIncrement*float64(tierLevel-1))
}

func truncate(f float64) (int64, bool) {
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= maxExactInt64 {
		return math.MaxInt64, false
	}
	return int64(f), true
}

// TotalExpForLevel returns the lifetime exp at which a member reaches level
// with zero exp inside it: the sum of RequiredExp(1..level-1).
func (c *Curve) TotalExpForLevel(level int) int64 {
	level = c.ClampLevel(level)
	return c.cumulative[level]
}

// ClampLevel bounds a level to [1, MaxLevel].
func (c *Curve) ClampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > c.maxLevel {
		return c.maxLevel
	}
	return level
}

// LevelFromTotalExp consumes RequiredExp(1), RequiredExp(2), ... from total
// until the next requirement no longer fits, and returns that level with the
// remainder. Negative totals derive (1, 0); the level clamps at MaxLevel.
func (c *Curve) LevelFromTotalExp(total int64) (level int, exp int64) {
	if total < 0 {
		return 1, 0
	}

	// First level whose cumulative threshold exceeds total, minus one.
	idx := sort.Search(c.maxLevel, func(i int) bool {
		return c.cumulative[i+1] > total
	})
	level = idx
	if level < 1 {
		level = 1
	}
	return level, total - c.cumulative[level]
}

// PointsForLevel returns the points awarded for reaching level.
func (c *Curve) PointsForLevel(level int) int64 {
	return c.points.PointsFor(level)
}

// PointsBetween sums PointsForLevel over every level in (from, to].
func (c *Curve) PointsBetween(from, to int) int64 {
	var sum int64
	for level := from + 1; level <= to; level++ {
		sum += c.points.PointsFor(level)
	}
	return sum
}

// Points returns the point range table.
func (c *Curve) Points() PointTable {
	return c.points
}

// ══════════════════════════════════════════════════════════════════════════════
// TABLE
// ══════════════════════════════════════════════════════════════════════════════

// Row is one line of the curve table.
type Row struct {
	Level      int
	Tier       int
	Multiplier float64
	Required   int64
	Cumulative int64
	Points     int64
}

// Table returns rows for levels from..to, clamped to [1, MaxLevel].
func (c *Curve) Table(from, to int) []Row {
	from, to = c.ClampLevel(from), c.ClampLevel(to)
	if to < from {
		return nil
	}

	rows := make([]Row, 0, to-from+1)
	for level := from; level <= to; level++ {
		tier := TierOf(level)
		rows = append(rows, Row{
			Level:      level,
			Tier:       tier,
			Multiplier: c.Multiplier(tier),
			Required:   c.RequiredExp(level),
			Cumulative: c.cumulative[level],
			Points:     c.PointsForLevel(level),
		})
	}
	return rows
}
