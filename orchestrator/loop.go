package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/go-uuid"

	"github.com/wplace-tools/guardmaster/patterns"
	"github.com/wplace-tools/guardmaster/planner"
	"github.com/wplace-tools/guardmaster/structs"
)

// Iteration outcomes that short-circuit a round. An empty reason means a
// round was dispatched.
const (
	reasonNoSlaves          = "no_slaves"
	reasonNoChanges         = "no_changes"
	reasonNoCharges         = "no_charges"
	reasonWaitingForCharges = "waiting_for_charges"
	reasonZeroRound         = "zero_round_total"
	reasonNoPick            = "no_pick"
)

// RoundResult summarises one loop iteration. It doubles as the one-batch
// response body.
type RoundResult struct {
	OK             bool           `json:"ok"`
	SessionID      string         `json:"session_id"`
	Assigned       int            `json:"assigned"`
	Reason         string         `json:"reason,omitempty"`
	TotalRemaining int            `json:"total_remaining"`
	Plan           map[string]int `json:"plan,omitempty"`
}

// iterate runs one round: preview, filter, plan, select, dispatch, retries.
func (o *Orchestrator) iterate(ctx context.Context, sess *structs.Session, deadline time.Duration) *RoundResult {
	cfg := o.config()
	res := &RoundResult{OK: true, SessionID: sess.ID}

	valid := o.validSlaves(sess.SlaveIDs)
	if len(valid) == 0 {
		res.Reason = reasonNoSlaves
		return res
	}

	// Fresh preview from the favorite, then filter and prioritise.
	favID := o.fleet.FavoriteID()
	o.refreshPreview(ctx, favID)
	preview := &structs.Preview{}
	if favID != "" {
		if fav, err := o.fleet.Slave(favID); err == nil {
			preview = fav.Preview()
		}
	}
	changes := filterChanges(preview, cfg)

	credits := make(map[string]int, len(valid))
	total := 0
	for _, id := range valid {
		n := 0
		if s, err := o.fleet.Slave(id); err == nil {
			n = s.RemainingCharges()
		}
		credits[id] = n
		total += n
	}
	res.TotalRemaining = total

	if len(changes) == 0 {
		res.Reason = reasonNoChanges
		return res
	}
	if total <= 0 {
		res.Reason = reasonNoCharges
		return res
	}

	// Round sizing: either spend everything, or cap at pixelsPerBatch and
	// wait for credits to refill before committing a partial round.
	desired := total
	if !cfg.SpendAllPixelsOnStart {
		if total < cfg.EffectivePixelsPerBatch() {
			res.Reason = reasonWaitingForCharges
			return res
		}
		desired = cfg.EffectivePixelsPerBatch()
	}
	if desired <= 0 {
		res.Reason = reasonZeroRound
		return res
	}

	strategy := sess.Strategy
	if strategy == "" {
		strategy = cfg.EffectiveStrategy()
	}
	plan := planner.Plan(strategy, credits, desired)

	o.lockout.Age()
	unlocked := changes[:0:0]
	for _, ch := range changes {
		if !o.lockout.IsLocked(ch.Coord()) {
			unlocked = append(unlocked, ch)
		}
	}

	quota := 0
	for _, n := range plan {
		quota += n
	}
	pick := len(unlocked)
	if quota < pick {
		pick = quota
	}
	if pick <= 0 {
		res.Reason = reasonNoPick
		return res
	}

	selected := patterns.Select(cfg.ProtectionPattern, unlocked, pick)
	queues := buildQueues(valid, plan, selected)

	requestID, err := uuid.GenerateUUID()
	if err != nil {
		o.logger.Error("failed to generate request id", "error", err)
		res.OK = false
		return res
	}
	o.tracker.Create(requestID)
	metrics.IncrCounter([]string{"guardmaster", "orchestrator", "rounds"}, 1)

	// Register every payload before the first send: pacing delays between
	// tiles must not let the pending count hit zero mid-round.
	payloads := make(map[string][]*structs.PaintBatch, len(queues))
	for sid, items := range queues {
		if len(items) == 0 {
			continue
		}
		batches := buildTilePayloads(items, requestID)
		payloads[sid] = batches
		for _, pb := range batches {
			o.tracker.Assign(requestID, sid, pb, 0)
		}
	}

	var wg sync.WaitGroup
	for sid, batches := range payloads {
		wg.Add(1)
		go func(sid string, batches []*structs.PaintBatch) {
			defer wg.Done()
			o.dispatchToSlave(ctx, sid, batches)
		}(sid, batches)
	}

	o.awaitResults(ctx, requestID, valid, credits, deadline, cfg.EffectiveMaxRetries())
	wg.Wait()
	o.tracker.Forget(requestID)

	res.Assigned = pick
	res.Plan = plan
	return res
}

// awaitResults polls the tracker until every assignment resolves or the
// deadline passes, reassigning failed batches to rotating candidates.
func (o *Orchestrator) awaitResults(ctx context.Context, requestID string, valid []string, credits map[string]int, deadline time.Duration, maxRetries int) {
	end := time.Now().Add(deadline)
	idx := 0

	for time.Now().Before(end) {
		if !sleepCtx(ctx, o.retryPollInterval) {
			return
		}
		if o.tracker.Outstanding(requestID) == 0 {
			return
		}

		for _, f := range o.tracker.FailedAssignments(requestID) {
			candidates := retryCandidates(valid, credits, f.SlaveID)
			if len(candidates) == 0 {
				continue
			}
			idx++
			target := candidates[idx%len(candidates)]

			attempts := o.tracker.Reassign(requestID, f.SlaveID, target, f.BatchKey)
			if attempts == 0 {
				continue
			}
			if attempts > maxRetries {
				removed := o.tracker.CleanupAbandoned(requestID, maxRetries)
				o.logger.Warn("abandoning batch after retries",
					"request_id", requestID, "batch_key", f.BatchKey,
					"attempts", attempts, "removed", removed)
				metrics.IncrCounter([]string{"guardmaster", "orchestrator", "abandoned"}, float32(removed))
				continue
			}

			o.logger.Debug("reassigning failed batch", "request_id", requestID,
				"batch_key", f.BatchKey, "from", f.SlaveID, "to", target,
				"attempt", attempts)
			metrics.IncrCounter([]string{"guardmaster", "orchestrator", "retries"}, 1)
			o.sendOrLog(target, f.Assignment.Payload(requestID))
		}
	}
}

// retryCandidates prefers a different worker with credit, then any different
// worker, then anyone in the session.
func retryCandidates(valid []string, credits map[string]int, exclude string) []string {
	var withCredit, others []string
	for _, id := range valid {
		if id == exclude {
			continue
		}
		if credits[id] > 0 {
			withCredit = append(withCredit, id)
		} else {
			others = append(others, id)
		}
	}
	if len(withCredit) > 0 {
		return withCredit
	}
	if len(others) > 0 {
		return others
	}
	return valid
}

// filterChanges keeps repairable changes not excluded by color config, sorted
// so missing/incorrect come first and preferred colors lead each bucket.
func filterChanges(preview *structs.Preview, cfg *structs.GuardConfig) []*structs.Change {
	excluded := cfg.ExcludedSet()
	preferred := cfg.PreferredSet()

	out := make([]*structs.Change, 0, len(preview.Changes))
	for _, ch := range preview.Changes {
		if ch == nil || !ch.Eligible() {
			continue
		}
		if excluded.Contains(ch.PaintColor()) {
			continue
		}
		out = append(out, ch)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, pi := changePrio(out[i], preferred)
		tj, pj := changePrio(out[j], preferred)
		if ti != tj {
			return ti < tj
		}
		return pi < pj
	})
	return out
}

func changePrio(ch *structs.Change, preferred *set.Set[int]) (int, int) {
	typeRank := 1
	if ch.Type == structs.ChangeTypeMissing || ch.Type == structs.ChangeTypeIncorrect {
		typeRank = 0
	}
	prefRank := 1
	if preferred.Contains(ch.PaintColor()) {
		prefRank = 0
	}
	return typeRank, prefRank
}

// buildQueues hands each worker exactly plan[id] items of selected, in
// pattern order, by walking an id list that repeats each worker by quota.
func buildQueues(valid []string, plan map[string]int, selected []*structs.Change) map[string][]*structs.Change {
	var rr []string
	for _, id := range valid {
		for i := 0; i < plan[id]; i++ {
			rr = append(rr, id)
		}
	}

	queues := make(map[string][]*structs.Change, len(valid))
	for i, ch := range selected {
		if i >= len(rr) {
			break
		}
		queues[rr[i]] = append(queues[rr[i]], ch)
	}
	return queues
}
