package rules

import (
	"fmt"
	"sort"
)

// TierStep is one coin level: scores at or above Min use Asset.
type TierStep struct {
	Min   int64  `json:"min" yaml:"min"`
	Asset string `json:"asset" yaml:"asset"`
}

// TierTable maps score to a coin tier. Steps are ascending by Min and start at 0.
type TierTable []TierStep

// Tier is the resolved coin level for a score. Level is 1-based.
type Tier struct {
	Level int    `json:"level"`
	Asset string `json:"asset"`
}

// DefaultTiers is the canonical table: lvl1 below 150, lvl2 below 1000, lvl3 from 1000.
func DefaultTiers() TierTable {
	return TierTable{
		{Min: 0, Asset: "lvl1"},
		{Min: 150, Asset: "lvl2"},
		{Min: 1000, Asset: "lvl3"},
	}
}

// Validate checks that the table is usable and therefore monotonic.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	if t[0].Min != 0 {
		return fmt.Errorf("first tier must start at 0, got %d", t[0].Min)
	}
	for i := 1; i < len(t); i++ {
		if t[i].Min <= t[i-1].Min {
			return fmt.Errorf("tier %d min %d must be greater than %d", i+1, t[i].Min, t[i-1].Min)
		}
	}
	for i, step := range t {
		if step.Asset == "" {
			return fmt.Errorf("tier %d has no asset", i+1)
		}
	}
	return nil
}

// Tier resolves the tier for score. It is a pure function of score.
func (t TierTable) Tier(score int64) Tier {
	if len(t) == 0 {
		return Tier{Level: 1}
	}
	// first step whose Min is above score; the tier is the one before it
	i := sort.Search(len(t), func(i int) bool { return t[i].Min > score })
	if i == 0 {
		i = 1
	}
	return Tier{Level: i, Asset: t[i-1].Asset}
}
