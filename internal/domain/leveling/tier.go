package leveling

import (
	"fmt"
	"sort"
)

// Tier is a title attached to every level from MinLevel up to the next tier.
// Role names the external role the role-sync collaborator should grant.
type Tier struct {
	Name     string `yaml:"name" json:"name"`
	MinLevel int    `yaml:"min_level" json:"min_level"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
}

// TierTable is a list of tiers sorted by MinLevel.
type TierTable []Tier

// NewTierTable validates and sorts tiers.
func NewTierTable(tiers []Tier) (TierTable, error) {
	t := make(TierTable, len(tiers))
	copy(t, tiers)
	sort.Slice(t, func(i, j int) bool { return t[i].MinLevel < t[j].MinLevel })

	for i, tier := range t {
		if tier.Name == "" {
			return nil, fmt.Errorf("leveling: tier at min level %d has no name", tier.MinLevel)
		}
		if tier.MinLevel < 1 {
			return nil, fmt.Errorf("leveling: tier %q has min level %d", tier.Name, tier.MinLevel)
		}
		if i > 0 && tier.MinLevel == t[i-1].MinLevel {
			return nil, fmt.Errorf("leveling: tiers %q and %q share min level %d", t[i-1].Name, tier.Name, tier.MinLevel)
		}
	}
	return t, nil
}

// Lookup returns the tier with the highest MinLevel not above level.
func (t TierTable) Lookup(level int) (Tier, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].MinLevel > level })
	if i == 0 {
		return Tier{}, false
	}
	return t[i-1], true
}

// Crossed reports whether moving from one level to another changes tier.
func (t TierTable) Crossed(from, to int) (Tier, bool) {
	oldTier, _ := t.Lookup(from)
	newTier, ok := t.Lookup(to)
	if oldTier.MinLevel == newTier.MinLevel && oldTier.Name == newTier.Name {
		return Tier{}, false
	}
	return newTier, ok || oldTier.Name != ""
}
