package leveling

import (
	"fmt"
	"sort"
)

// DefaultPointsPerLevel is awarded per level when no range table is configured.
const DefaultPointsPerLevel = 10

// PointRange awards Points for reaching any level in [Start, End].
type PointRange struct {
	Start  int   `yaml:"start" json:"start"`
	End    int   `yaml:"end" json:"end"`
	Points int64 `yaml:"points" json:"points"`
}

// Contains reports whether level falls inside the range.
func (r PointRange) Contains(level int) bool {
	return r.Start <= level && level <= r.End
}

// PointTable is an ordered set of non-overlapping level ranges.
// Levels not covered by any range use the range that ends last.
type PointTable []PointRange

// DefaultPointTable returns a flat table of DefaultPointsPerLevel.
func DefaultPointTable() PointTable {
	return PointTable{{Start: 1, End: DefaultMaxLevel, Points: DefaultPointsPerLevel}}
}

// Validate checks bounds and overlaps. The table is sorted in place by Start.
func (t PointTable) Validate() error {
	sort.Slice(t, func(i, j int) bool { return t[i].Start < t[j].Start })

	for i, r := range t {
		if r.Start < 1 || r.End < r.Start {
			return fmt.Errorf("leveling: invalid point range %d~%d", r.Start, r.End)
		}
		if r.Points < 0 {
			return fmt.Errorf("leveling: point range %d~%d has negative points", r.Start, r.End)
		}
		if i > 0 && r.Start <= t[i-1].End {
			return fmt.Errorf("leveling: point range %d~%d overlaps %d~%d", r.Start, r.End, t[i-1].Start, t[i-1].End)
		}
	}
	return nil
}

// PointsFor returns the reward for reaching level.
func (t PointTable) PointsFor(level int) int64 {
	if len(t) == 0 {
		return DefaultPointsPerLevel
	}

	last := t[0]
	for _, r := range t {
		if r.Contains(level) {
			return r.Points
		}
		if r.End > last.End {
			last = r
		}
	}
	return last.Points
}
