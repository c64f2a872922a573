// Package tracker follows the fate of dispatched paint batches. Each request
// owns a set of assignments keyed by (slave, batch key); the orchestrator
// polls the pending count and resends failed assignments until the attempt
// bound is exhausted.
package tracker

import (
	"sync"

	"github.com/wplace-tools/guardmaster/structs"
)

const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Assignment is one dispatched paint payload plus its bookkeeping.
type Assignment struct {
	TileX          int
	TileY          int
	Coords         []structs.Coord
	Colors         []int
	Attempts       int
	Status         string
	LastAssignedTo string
}

func (a *Assignment) Copy() *Assignment {
	if a == nil {
		return nil
	}
	na := *a
	na.Coords = append([]structs.Coord(nil), a.Coords...)
	na.Colors = append([]int(nil), a.Colors...)
	return &na
}

// Payload rebuilds the paint command for a resend.
func (a *Assignment) Payload(requestID string) *structs.PaintBatch {
	return &structs.PaintBatch{
		Type:      structs.MsgTypePaintBatch,
		TileX:     a.TileX,
		TileY:     a.TileY,
		Coords:    append([]structs.Coord(nil), a.Coords...),
		Colors:    append([]int(nil), a.Colors...),
		RequestID: requestID,
		BatchSize: len(a.Coords),
	}
}

type assignKey struct {
	slaveID  string
	batchKey string
}

type request struct {
	assignments map[assignKey]*Assignment
	pending     int
}

// Failed is a snapshot of one failed assignment.
type Failed struct {
	SlaveID    string
	BatchKey   string
	Assignment *Assignment
}

// Tracker maps request ids to their assignment sets. All operations are
// serialised under a single mutex; there is no lock hierarchy above it.
type Tracker struct {
	mu       sync.Mutex
	requests map[string]*request
}

func New() *Tracker {
	return &Tracker{requests: make(map[string]*request)}
}

// Create initialises an empty bucket for a request.
func (t *Tracker) Create(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[requestID] = &request{assignments: make(map[assignKey]*Assignment)}
}

// Assign inserts or overwrites an assignment in state pending.
func (t *Tracker) Assign(requestID, slaveID string, payload *structs.PaintBatch, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		r = &request{assignments: make(map[assignKey]*Assignment)}
		t.requests[requestID] = r
	}
	r.assignments[assignKey{slaveID, payload.BatchKey()}] = &Assignment{
		TileX:          payload.TileX,
		TileY:          payload.TileY,
		Coords:         append([]structs.Coord(nil), payload.Coords...),
		Colors:         append([]int(nil), payload.Colors...),
		Attempts:       attempt,
		Status:         StatusPending,
		LastAssignedTo: slaveID,
	}
	r.recount()
}

// Mark flips the matching assignment to ok or failed, recomputing the batch
// key from the reported payload shape.
func (t *Tracker) Mark(requestID, slaveID string, tileX, tileY int, coords []structs.Coord, ok bool) {
	probe := structs.PaintBatch{TileX: tileX, TileY: tileY, Coords: coords}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, found := t.requests[requestID]
	if !found {
		return
	}
	if a, found := r.assignments[assignKey{slaveID, probe.BatchKey()}]; found {
		if ok {
			a.Status = StatusOK
		} else {
			a.Status = StatusFailed
		}
	}
	r.recount()
}

// FailedAssignments snapshots all assignments currently in state failed.
func (t *Tracker) FailedAssignments(requestID string) []*Failed {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		return nil
	}
	var out []*Failed
	for k, a := range r.assignments {
		if a.Status == StatusFailed {
			out = append(out, &Failed{
				SlaveID:    k.slaveID,
				BatchKey:   k.batchKey,
				Assignment: a.Copy(),
			})
		}
	}
	return out
}

// Reassign bumps the attempt counter on an assignment, moves it to the
// target worker and resets it to pending, so a later result from the target
// resolves it. Returns the new attempt count; the caller decides whether to
// resend or abandon. Unknown assignments return 0.
func (t *Tracker) Reassign(requestID, fromSlave, toSlave, batchKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		return 0
	}
	a, ok := r.assignments[assignKey{fromSlave, batchKey}]
	if !ok {
		return 0
	}
	a.Attempts++
	a.Status = StatusPending
	a.LastAssignedTo = toSlave
	if toSlave != fromSlave {
		delete(r.assignments, assignKey{fromSlave, batchKey})
		r.assignments[assignKey{toSlave, batchKey}] = a
	}
	r.recount()
	return a.Attempts
}

// GetPending returns the number of pending assignments for a request.
func (t *Tracker) GetPending(requestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		return 0
	}
	return r.pending
}

// Outstanding returns the number of unresolved assignments for a request:
// pending plus failed. A failed assignment stays outstanding until it is
// reassigned or cleaned up, so the retry loop must not stop on the pending
// count alone.
func (t *Tracker) Outstanding(requestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		return 0
	}
	n := 0
	for _, a := range r.assignments {
		if a.Status != StatusOK {
			n++
		}
	}
	return n
}

// CleanupAbandoned deletes assignments whose attempts exceeded maxRetries,
// whatever their current status, and returns the count removed, so the
// orchestrator stops waiting on dead work.
func (t *Tracker) CleanupAbandoned(requestID string, maxRetries int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[requestID]
	if !ok {
		return 0
	}
	removed := 0
	for k, a := range r.assignments {
		if a.Attempts > maxRetries {
			delete(r.assignments, k)
			removed++
		}
	}
	r.recount()
	return removed
}

// Forget drops all state for a request once the round is over.
func (t *Tracker) Forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, requestID)
}

func (r *request) recount() {
	n := 0
	for _, a := range r.assignments {
		if a.Status == StatusPending {
			n++
		}
	}
	r.pending = n
}
