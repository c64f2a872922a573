// Package planner turns a per-worker credit vector and a round size into a
// per-worker quota plan. Plans never exceed a worker's credits, never exceed
// min(target, total credits), and always allocate that full amount. The
// planner is pure: it performs no I/O and holds no state.
package planner

import (
	"sort"

	"github.com/wplace-tools/guardmaster/structs"
)

// Plan computes the quota vector for the given strategy. Workers absent from
// credits receive no quota. Unknown strategies plan greedily. All strategies
// iterate workers in sorted-id order so plans are deterministic.
func Plan(strategy string, credits map[string]int, target int) map[string]int {
	plan := make(map[string]int, len(credits))
	clamped := make(map[string]int, len(credits))
	total := 0
	for id, c := range credits {
		if c < 0 {
			c = 0
		}
		clamped[id] = c
		plan[id] = 0
		total += c
	}
	if target > total {
		target = total
	}
	if target <= 0 {
		return plan
	}

	ids := sortedIDs(clamped)

	switch strategy {
	case structs.StrategyRoundRobin:
		planRoundRobin(plan, clamped, ids, target)
	case structs.StrategyBalanced:
		planBalanced(plan, clamped, ids, target, total)
	default:
		planGreedy(plan, clamped, ids, target)
	}

	// Top up any residual capacity round-robin over workers with headroom.
	fill(plan, clamped, ids, target)
	return plan
}

// planGreedy drains the largest credit pools first.
func planGreedy(plan, credits map[string]int, ids []string, target int) {
	byCredit := append([]string(nil), ids...)
	sort.SliceStable(byCredit, func(i, j int) bool {
		return credits[byCredit[i]] > credits[byCredit[j]]
	})

	remaining := target
	for _, id := range byCredit {
		if remaining <= 0 {
			return
		}
		n := credits[id]
		if n > remaining {
			n = remaining
		}
		plan[id] = n
		remaining -= n
	}
}

// planRoundRobin awards one unit per visit over workers with credit left.
func planRoundRobin(plan, credits map[string]int, ids []string, target int) {
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		if credits[id] > 0 {
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return
	}

	assigned := 0
	for idx := 0; assigned < target; idx++ {
		id := order[idx%len(order)]
		if plan[id] < credits[id] {
			plan[id]++
			assigned++
		}
		if saturated(plan, credits, order) {
			return
		}
	}
}

// planBalanced allocates proportional floor shares and hands the leftover
// out one by one to the largest fractional parts, skipping workers at their
// credit cap. Fractional-part ties break by sorted id.
func planBalanced(plan, credits map[string]int, ids []string, target, total int) {
	if total <= 0 {
		return
	}
	type frac struct {
		id  string
		rem float64
	}
	assigned := 0
	fracs := make([]frac, 0, len(ids))
	for _, id := range ids {
		exact := float64(credits[id]) * float64(target) / float64(total)
		share := int(exact)
		plan[id] = share
		assigned += share
		fracs = append(fracs, frac{id: id, rem: exact - float64(share)})
	}
	sort.SliceStable(fracs, func(i, j int) bool {
		return fracs[i].rem > fracs[j].rem
	})

	for assigned < target {
		progressed := false
		for _, f := range fracs {
			if assigned >= target {
				return
			}
			if plan[f.id] < credits[f.id] {
				plan[f.id]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// fill tops the plan up to the target using any remaining headroom.
func fill(plan, credits map[string]int, ids []string, target int) {
	assigned := 0
	for _, n := range plan {
		assigned += n
	}
	for assigned < target {
		progressed := false
		for _, id := range ids {
			if assigned >= target {
				return
			}
			if plan[id] < credits[id] {
				plan[id]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func saturated(plan, credits map[string]int, ids []string) bool {
	for _, id := range ids {
		if plan[id] < credits[id] {
			return false
		}
	}
	return true
}

func sortedIDs(m map[string]int) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
