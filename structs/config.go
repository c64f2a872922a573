package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// Charge distribution strategies understood by the planner.
const (
	StrategyGreedy     = "greedy"
	StrategyRoundRobin = "round_robin"
	StrategyBalanced   = "balanced"
)

const (
	DefaultProtectionPattern = "random"
	DefaultPixelsPerBatch    = 10
	DefaultMinChargesToWait  = 20
	DefaultColorThreshold    = 10
	DefaultRecentLockSeconds = 60
	DefaultMaxRetries        = 3
)

// GuardConfig is the process-wide guard option record. Readers treat it as a
// monotonically updated snapshot: each field is read once per iteration and
// no consumer reasons across fields.
type GuardConfig struct {
	ProtectionPattern     string  `json:"protectionPattern"`
	PreferColor           bool    `json:"preferColor"`
	PreferredColorIDs     []int   `json:"preferredColorIds"`
	ExcludeColor          bool    `json:"excludeColor"`
	ExcludedColorIDs      []int   `json:"excludedColorIds"`
	SpendAllPixelsOnStart bool    `json:"spendAllPixelsOnStart"`
	MinChargesToWait      int     `json:"minChargesToWait"`
	PixelsPerBatch        int     `json:"pixelsPerBatch"`
	RandomWaitTime        bool    `json:"randomWaitTime"`
	RandomWaitMin         float64 `json:"randomWaitMin"`
	RandomWaitMax         float64 `json:"randomWaitMax"`
	ColorThreshold        int     `json:"colorThreshold"`
	ColorComparisonMethod string  `json:"colorComparisonMethod"`
	RecentLockSeconds     int     `json:"recentLockSeconds"`
	ChargeStrategy        string  `json:"chargeStrategy"`
	MaxRetries            int     `json:"maxRetries"`
}

// DefaultGuardConfig mirrors the defaults the workers ship with.
func DefaultGuardConfig() *GuardConfig {
	return &GuardConfig{
		ProtectionPattern:     DefaultProtectionPattern,
		PreferredColorIDs:     []int{},
		ExcludedColorIDs:      []int{},
		MinChargesToWait:      DefaultMinChargesToWait,
		PixelsPerBatch:        DefaultPixelsPerBatch,
		RandomWaitMin:         5,
		RandomWaitMax:         15,
		ColorThreshold:        DefaultColorThreshold,
		ColorComparisonMethod: "rgb",
		RecentLockSeconds:     DefaultRecentLockSeconds,
		ChargeStrategy:        StrategyGreedy,
		MaxRetries:            DefaultMaxRetries,
	}
}

func (c *GuardConfig) Copy() *GuardConfig {
	if c == nil {
		return nil
	}
	nc := *c
	nc.PreferredColorIDs = append([]int(nil), c.PreferredColorIDs...)
	nc.ExcludedColorIDs = append([]int(nil), c.ExcludedColorIDs...)
	return &nc
}

// RecentLockTTL returns the lockout TTL, falling back to the default when
// the configured value is missing or invalid.
func (c *GuardConfig) RecentLockTTL() time.Duration {
	secs := c.RecentLockSeconds
	if secs <= 0 {
		secs = DefaultRecentLockSeconds
	}
	return time.Duration(secs) * time.Second
}

// EffectivePixelsPerBatch clamps the round size cap to at least 1.
func (c *GuardConfig) EffectivePixelsPerBatch() int {
	if c.PixelsPerBatch < 1 {
		return DefaultPixelsPerBatch
	}
	return c.PixelsPerBatch
}

// EffectiveMaxRetries returns the per-batch attempt bound.
func (c *GuardConfig) EffectiveMaxRetries() int {
	if c.MaxRetries < 1 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// EffectiveStrategy returns the planner strategy name.
func (c *GuardConfig) EffectiveStrategy() string {
	if c.ChargeStrategy == "" {
		return StrategyGreedy
	}
	return c.ChargeStrategy
}

// PreferredSet returns the preferred color ids as a set; empty unless the
// preferColor toggle is on.
func (c *GuardConfig) PreferredSet() *set.Set[int] {
	if !c.PreferColor {
		return set.New[int](0)
	}
	return set.From(c.PreferredColorIDs)
}

// ExcludedSet returns the excluded color ids as a set; empty unless the
// excludeColor toggle is on.
func (c *GuardConfig) ExcludedSet() *set.Set[int] {
	if !c.ExcludeColor {
		return set.New[int](0)
	}
	return set.From(c.ExcludedColorIDs)
}

// GuardConfigUpdate is a partial update decoded from JSON. Nil fields were
// absent from the request and leave the current value untouched.
type GuardConfigUpdate struct {
	ProtectionPattern     *string  `json:"protectionPattern"`
	PreferColor           *bool    `json:"preferColor"`
	PreferredColorIDs     *[]int   `json:"preferredColorIds"`
	ExcludeColor          *bool    `json:"excludeColor"`
	ExcludedColorIDs      *[]int   `json:"excludedColorIds"`
	SpendAllPixelsOnStart *bool    `json:"spendAllPixelsOnStart"`
	MinChargesToWait      *int     `json:"minChargesToWait"`
	PixelsPerBatch        *int     `json:"pixelsPerBatch"`
	RandomWaitTime        *bool    `json:"randomWaitTime"`
	RandomWaitMin         *float64 `json:"randomWaitMin"`
	RandomWaitMax         *float64 `json:"randomWaitMax"`
	ColorThreshold        *int     `json:"colorThreshold"`
	ColorComparisonMethod *string  `json:"colorComparisonMethod"`
	RecentLockSeconds     *int     `json:"recentLockSeconds"`
	ChargeStrategy        *string  `json:"chargeStrategy"`
	MaxRetries            *int     `json:"maxRetries"`
}

// Merge applies the set fields of the update onto the config and returns the
// changed keys with their new values, for echoing to the favorite and UIs.
func (c *GuardConfig) Merge(u *GuardConfigUpdate) map[string]any {
	changed := make(map[string]any)
	if u == nil {
		return changed
	}
	if u.ProtectionPattern != nil {
		c.ProtectionPattern = *u.ProtectionPattern
		changed["protectionPattern"] = c.ProtectionPattern
	}
	if u.PreferColor != nil {
		c.PreferColor = *u.PreferColor
		changed["preferColor"] = c.PreferColor
	}
	if u.PreferredColorIDs != nil {
		c.PreferredColorIDs = append([]int(nil), (*u.PreferredColorIDs)...)
		changed["preferredColorIds"] = c.PreferredColorIDs
	}
	if u.ExcludeColor != nil {
		c.ExcludeColor = *u.ExcludeColor
		changed["excludeColor"] = c.ExcludeColor
	}
	if u.ExcludedColorIDs != nil {
		c.ExcludedColorIDs = append([]int(nil), (*u.ExcludedColorIDs)...)
		changed["excludedColorIds"] = c.ExcludedColorIDs
	}
	if u.SpendAllPixelsOnStart != nil {
		c.SpendAllPixelsOnStart = *u.SpendAllPixelsOnStart
		changed["spendAllPixelsOnStart"] = c.SpendAllPixelsOnStart
	}
	if u.MinChargesToWait != nil {
		c.MinChargesToWait = *u.MinChargesToWait
		changed["minChargesToWait"] = c.MinChargesToWait
	}
	if u.PixelsPerBatch != nil {
		c.PixelsPerBatch = *u.PixelsPerBatch
		changed["pixelsPerBatch"] = c.PixelsPerBatch
	}
	if u.RandomWaitTime != nil {
		c.RandomWaitTime = *u.RandomWaitTime
		changed["randomWaitTime"] = c.RandomWaitTime
	}
	if u.RandomWaitMin != nil {
		c.RandomWaitMin = *u.RandomWaitMin
		changed["randomWaitMin"] = c.RandomWaitMin
	}
	if u.RandomWaitMax != nil {
		c.RandomWaitMax = *u.RandomWaitMax
		changed["randomWaitMax"] = c.RandomWaitMax
	}
	if u.ColorThreshold != nil {
		c.ColorThreshold = *u.ColorThreshold
		changed["colorThreshold"] = c.ColorThreshold
	}
	if u.ColorComparisonMethod != nil {
		c.ColorComparisonMethod = *u.ColorComparisonMethod
		changed["colorComparisonMethod"] = c.ColorComparisonMethod
	}
	if u.RecentLockSeconds != nil {
		c.RecentLockSeconds = *u.RecentLockSeconds
		changed["recentLockSeconds"] = c.RecentLockSeconds
	}
	if u.ChargeStrategy != nil {
		c.ChargeStrategy = *u.ChargeStrategy
		changed["chargeStrategy"] = c.ChargeStrategy
	}
	if u.MaxRetries != nil {
		c.MaxRetries = *u.MaxRetries
		changed["maxRetries"] = c.MaxRetries
	}
	return changed
}
