package leveling

import (
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// Progress is one member's standing inside one guild.
//
// TotalExp is authoritative. Level and Exp are always the result of
// LevelFromTotalExp(TotalExp), so a record can be re-derived from TotalExp
// alone. The transitions below are the only writers.
type Progress struct {
	UserID    shared.UserID  `json:"user_id"`
	GuildID   shared.GuildID `json:"guild_id"`
	Level     int            `json:"level"`
	Exp       int64          `json:"exp"`
	TotalExp  int64          `json:"total_exp"`
	Points    int64          `json:"points"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewProgress returns the record a member starts with.
func NewProgress(key shared.MemberKey) Progress {
	return Progress{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Level:   1,
	}
}

// Key returns the member key of the record.
func (p Progress) Key() shared.MemberKey {
	return shared.MemberKey{UserID: p.UserID, GuildID: p.GuildID}
}

// Transition describes what a write did to a record.
type Transition struct {
	OldLevel      int
	NewLevel      int
	OldTotalExp   int64
	NewTotalExp   int64
	PointsAwarded int64
	NewPoints     int64
}

// LevelChanged reports any change of level.
func (t Transition) LevelChanged() bool { return t.NewLevel != t.OldLevel }

// LeveledUp reports an upward change of level.
func (t Transition) LeveledUp() bool { return t.NewLevel > t.OldLevel }

// LevelsGained is the number of levels crossed upward, or zero.
func (t Transition) LevelsGained() int {
	if t.NewLevel > t.OldLevel {
		return t.NewLevel - t.OldLevel
	}
	return 0
}

// Event builds the level transition event for a committed write.
func (t Transition) Event(key shared.MemberKey, source string, at time.Time) shared.LevelChangedEvent {
	return shared.NewLevelChangedEvent(key, t.OldLevel, t.NewLevel, t.PointsAwarded, t.NewPoints, source, at)
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ══════════════════════════════════════════════════════════════════════════════

// Normalize re-derives Level and Exp from TotalExp and floors counters at zero.
func (c *Curve) Normalize(p Progress) Progress {
	if p.TotalExp < 0 {
		p.TotalExp = 0
	}
	if p.Points < 0 {
		p.Points = 0
	}
	p.Level, p.Exp = c.LevelFromTotalExp(p.TotalExp)
	return p
}

// Consistent reports whether Level and Exp agree with TotalExp.
func (c *Curve) Consistent(p Progress) bool {
	level, exp := c.LevelFromTotalExp(p.TotalExp)
	return p.TotalExp >= 0 && p.Points >= 0 && level == p.Level && exp == p.Exp
}

// ApplyCredit adds delta to the lifetime total and re-derives the level.
// Every level crossed upward awards its points; points never decrease here.
// A negative delta lowers the total, floored at zero.
func (c *Curve) ApplyCredit(p Progress, delta int64) (Progress, Transition) {
	old := p
	p.TotalExp = addSaturating(p.TotalExp, delta)
	if p.TotalExp < 0 {
		p.TotalExp = 0
	}
	p.Level, p.Exp = c.LevelFromTotalExp(p.TotalExp)

	var awarded int64
	if p.Level > old.Level {
		awarded = c.PointsBetween(old.Level, p.Level)
		p.Points += awarded
	}

	return p, transition(old, p, awarded)
}

// SetLevel places the member at the start of target. Points for the crossed
// levels are awarded only when award is set and target is above the current
// level; moving down never claws points back. Target clamps to [1, MaxLevel].
func (c *Curve) SetLevel(p Progress, target int, award bool) (Progress, Transition) {
	old := p
	target = c.ClampLevel(target)

	p.Level = target
	p.Exp = 0
	p.TotalExp = c.TotalExpForLevel(target)

	var awarded int64
	if award && target > old.Level {
		awarded = c.PointsBetween(old.Level, target)
		p.Points += awarded
	}

	return p, transition(old, p, awarded)
}

// SetLevelExp keeps the current level's floor and sets the exp inside it.
// An exp at or above the level's requirement rolls over into the next
// levels, which award points like a credit.
func (c *Curve) SetLevelExp(p Progress, exp int64) (Progress, Transition) {
	old := p
	if exp < 0 {
		exp = 0
	}

	p.TotalExp = addSaturating(c.TotalExpForLevel(p.Level), exp)
	p.Level, p.Exp = c.LevelFromTotalExp(p.TotalExp)

	var awarded int64
	if p.Level > old.Level {
		awarded = c.PointsBetween(old.Level, p.Level)
		p.Points += awarded
	}

	return p, transition(old, p, awarded)
}

// AddLevels moves the member n levels relative to the current one. The
// target saturates at [1, MaxLevel] without overflowing.
func (c *Curve) AddLevels(p Progress, n int, award bool) (Progress, Transition) {
	target := p.Level + n
	switch {
	case n > 0 && n > c.maxLevel-p.Level:
		target = c.maxLevel
	case n < 0 && n < 1-p.Level:
		target = 1
	}
	return c.SetLevel(p, target, award)
}

// PointsMode selects how AdjustPoints treats its amount.
type PointsMode int

const (
	PointsAdd PointsMode = iota
	PointsSet
)

// AdjustPoints changes points independently of level. The result floors at zero.
func AdjustPoints(p Progress, mode PointsMode, amount int64) (Progress, int64) {
	old := p.Points
	switch mode {
	case PointsSet:
		p.Points = amount
	default:
		p.Points = addSaturating(p.Points, amount)
	}
	if p.Points < 0 {
		p.Points = 0
	}
	return p, old
}

func transition(old, cur Progress, awarded int64) Transition {
	return Transition{
		OldLevel:      old.Level,
		NewLevel:      cur.Level,
		OldTotalExp:   old.TotalExp,
		NewTotalExp:   cur.TotalExp,
		PointsAwarded: awarded,
		NewPoints:     cur.Points,
	}
}

func addSaturating(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return 1<<63 - 1
	}
	if b < 0 && s > a {
		return -1 << 63
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL INFO
// ══════════════════════════════════════════════════════════════════════════════

// LevelInfo is the read-only view of a member's progress.
type LevelInfo struct {
	Level    int     `json:"level"`
	Exp      int64   `json:"exp"`
	Required int64   `json:"required"`
	ToNext   int64   `json:"to_next"`
	Percent  float64 `json:"percent"`
	TotalExp int64   `json:"total_exp"`
	Points   int64   `json:"points"`
	Tier     int     `json:"tier"`
	MaxLevel bool    `json:"max_level"`
}

// Info summarizes p for display.
func (c *Curve) Info(p Progress) LevelInfo {
	p = c.Normalize(p)
	required := c.RequiredExp(p.Level)

	info := LevelInfo{
		Level:    p.Level,
		Exp:      p.Exp,
		Required: required,
		TotalExp: p.TotalExp,
		Points:   p.Points,
		Tier:     TierOf(p.Level),
		MaxLevel: p.Level >= c.maxLevel,
	}
	if required > 0 {
		info.ToNext = required - p.Exp
		if info.ToNext < 0 {
			info.ToNext = 0
		}
		info.Percent = float64(p.Exp) / float64(required) * 100
		if info.Percent > 100 {
			info.Percent = 100
		}
	}
	return info
}
