package planner

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/wplace-tools/guardmaster/ci"
	"github.com/wplace-tools/guardmaster/structs"
)

func planTotal(plan map[string]int) int {
	n := 0
	for _, v := range plan {
		n += v
	}
	return n
}

func TestPlan_Greedy(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 7, "b": 3, "c": 2}
	plan := Plan(structs.StrategyGreedy, credits, 12)

	must.Eq(t, map[string]int{"a": 7, "b": 3, "c": 2}, plan)
}

func TestPlan_GreedyPartial(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 7, "b": 3, "c": 2}
	plan := Plan(structs.StrategyGreedy, credits, 8)

	// Largest pool drains first.
	must.Eq(t, 7, plan["a"])
	must.Eq(t, 8, planTotal(plan))
}

func TestPlan_Balanced(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 10, "b": 10, "c": 10}
	plan := Plan(structs.StrategyBalanced, credits, 7)

	// Proportional floors give 2 each; the leftover goes to the largest
	// fractional parts, ties broken by sorted id.
	must.Eq(t, map[string]int{"a": 3, "b": 2, "c": 2}, plan)
}

func TestPlan_RoundRobin(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 5, "b": 5, "c": 1}
	plan := Plan(structs.StrategyRoundRobin, credits, 7)

	must.Eq(t, 7, planTotal(plan))
	must.Eq(t, 1, plan["c"])
	must.Eq(t, 3, plan["a"])
	must.Eq(t, 3, plan["b"])
}

func TestPlan_NeverExceedsCredits(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 2, "b": 0, "c": 5}
	for _, strategy := range []string{
		structs.StrategyGreedy,
		structs.StrategyRoundRobin,
		structs.StrategyBalanced,
		"bogus",
	} {
		plan := Plan(strategy, credits, 100)
		for id, n := range plan {
			must.LessEq(t, credits[id], n, must.Sprintf("strategy %s slave %s", strategy, id))
		}
		must.Eq(t, 7, planTotal(plan), must.Sprintf("strategy %s", strategy))
	}
}

func TestPlan_TargetClamped(t *testing.T) {
	ci.Parallel(t)

	plan := Plan(structs.StrategyGreedy, map[string]int{"a": 3}, 10)
	must.Eq(t, 3, plan["a"])
}

func TestPlan_ZeroTarget(t *testing.T) {
	ci.Parallel(t)

	plan := Plan(structs.StrategyGreedy, map[string]int{"a": 3, "b": 1}, 0)
	must.Eq(t, 0, planTotal(plan))
	must.MapContainsKey(t, plan, "a")
	must.MapContainsKey(t, plan, "b")
}

func TestPlan_NegativeCreditsClamped(t *testing.T) {
	ci.Parallel(t)

	plan := Plan(structs.StrategyGreedy, map[string]int{"a": -4, "b": 5}, 5)
	must.Eq(t, 0, plan["a"])
	must.Eq(t, 5, plan["b"])
}

func TestPlan_UnknownStrategyIsGreedy(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 7, "b": 3}
	must.Eq(t, Plan(structs.StrategyGreedy, credits, 8), Plan("mystery", credits, 8))
}

func TestPlan_Deterministic(t *testing.T) {
	ci.Parallel(t)

	credits := map[string]int{"a": 4, "b": 4, "c": 4, "d": 4}
	first := Plan(structs.StrategyBalanced, credits, 9)
	for i := 0; i < 20; i++ {
		must.Eq(t, first, Plan(structs.StrategyBalanced, credits, 9))
	}
}
