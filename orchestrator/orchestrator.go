// Package orchestrator runs the per-session repair loops. Each loop pulls a
// fresh preview from the favorite worker, filters and orders the reported
// changes, slices them across the session's workers by credit, dispatches
// tile-grouped paint batches and supervises retries until the round resolves
// or its deadline passes.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/wplace-tools/guardmaster/lockout"
	"github.com/wplace-tools/guardmaster/structs"
	"github.com/wplace-tools/guardmaster/tracker"
)

// Fleet is the connection-registry surface the orchestrator depends on.
type Fleet interface {
	IsConnected(id string) bool
	Slave(id string) (*structs.Slave, error)
	FavoriteID() string
	PreviewReportedAt(id string) (time.Time, bool)
	SendToSlave(id string, msg any) error
}

// Store is the persistence surface the orchestrator depends on. Only session
// status transitions are ever written.
type Store interface {
	Session(id string) (*structs.Session, error)
	Project(id string) (*structs.Project, error)
	UpdateSessionStatus(id, status string) error
}

// Orchestrator supervises the session loops and owns the batch tracker and
// the recent-repair lockout.
type Orchestrator struct {
	logger  hclog.Logger
	fleet   Fleet
	store   Store
	config  func() *structs.GuardConfig
	tracker *tracker.Tracker
	lockout *lockout.Lockout

	// Timing knobs, shrunk in tests.
	previewPollInterval time.Duration
	previewPollAttempts int
	retryPollInterval   time.Duration
	loopDeadline        time.Duration
	oneBatchDeadline    time.Duration
	paceMin             time.Duration
	paceMax             time.Duration

	mu    sync.Mutex
	loops map[string]*loopHandle
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an orchestrator. The config func returns the current guard
// option snapshot; it is called once per loop iteration.
func New(logger hclog.Logger, fleet Fleet, store Store, config func() *structs.GuardConfig) *Orchestrator {
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		fleet:   fleet,
		store:   store,
		config:  config,
		tracker: tracker.New(),
		lockout: lockout.New(),

		previewPollInterval: 250 * time.Millisecond,
		previewPollAttempts: 20,
		retryPollInterval:   300 * time.Millisecond,
		loopDeadline:        90 * time.Second,
		oneBatchDeadline:    45 * time.Second,
		paceMin:             5 * time.Second,
		paceMax:             10 * time.Second,

		loops: make(map[string]*loopHandle),
	}
}

// Lockout exposes the recent-repair lockout for the repair distribution
// endpoints, which share its filter.
func (o *Orchestrator) Lockout() *lockout.Lockout {
	return o.lockout
}

// StartResult is the response body for starting a session.
type StartResult struct {
	Status         string `json:"status"`
	SessionID      string `json:"session_id"`
	TotalRemaining int    `json:"total_remaining"`
}

// StartSession validates the session, primes its workers with the project,
// marks it running and launches the background loop. A loop already running
// for the session is stopped first.
func (o *Orchestrator) StartSession(sessionID string) (*StartResult, error) {
	sess, err := o.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	project, err := o.store.Project(sess.ProjectID)
	if err != nil {
		return nil, err
	}

	valid := o.validSlaves(sess.SlaveIDs)
	if len(valid) == 0 {
		return nil, structs.ErrNoValidSlaves
	}

	for _, id := range valid {
		o.sendOrLog(id, map[string]any{"type": structs.MsgTypeSetMode, "mode": project.Mode})
		o.sendOrLog(id, map[string]any{"type": structs.MsgTypeLoadProject, "config": project.Config})
	}

	if err := o.store.UpdateSessionStatus(sessionID, structs.SessionStatusRunning); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if old, ok := o.loops[sessionID]; ok {
		old.cancel()
	}
	o.loops[sessionID] = handle
	o.mu.Unlock()

	go o.runLoop(ctx, handle, sess)

	total := 0
	for _, id := range valid {
		if s, err := o.fleet.Slave(id); err == nil {
			total += s.RemainingCharges()
		}
	}
	return &StartResult{
		Status:         "started",
		SessionID:      sessionID,
		TotalRemaining: total,
	}, nil
}

// PauseSession broadcasts a pause to the session's workers and flips the
// persisted status. The loop keeps running; workers hold the pause.
func (o *Orchestrator) PauseSession(sessionID string) error {
	sess, err := o.store.Session(sessionID)
	if err != nil {
		return err
	}
	for _, id := range o.validSlaves(sess.SlaveIDs) {
		o.sendOrLog(id, map[string]any{
			"type":   structs.MsgTypeControl,
			"action": structs.ControlActionPause,
		})
	}
	return o.store.UpdateSessionStatus(sessionID, structs.SessionStatusPaused)
}

// StopSession cancels the session loop, broadcasts a stop to its workers and
// flips the persisted status. In-flight sends complete; no new round begins.
func (o *Orchestrator) StopSession(sessionID string) error {
	sess, err := o.store.Session(sessionID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	handle, ok := o.loops[sessionID]
	if ok {
		delete(o.loops, sessionID)
	}
	o.mu.Unlock()
	if ok {
		handle.cancel()
	}

	for _, id := range o.validSlaves(sess.SlaveIDs) {
		o.sendOrLog(id, map[string]any{
			"type":   structs.MsgTypeControl,
			"action": structs.ControlActionStop,
		})
	}
	return o.store.UpdateSessionStatus(sessionID, structs.SessionStatusStopped)
}

// Running reports whether a loop is active for the session.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[sessionID]
	return ok
}

// Shutdown cancels every session loop and waits for them to exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	handles := make([]*loopHandle, 0, len(o.loops))
	for id, h := range o.loops {
		h.cancel()
		handles = append(handles, h)
		delete(o.loops, id)
	}
	o.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// OneBatch performs exactly one loop iteration synchronously with the short
// retry deadline and returns the resulting plan. Used by interactive UIs.
func (o *Orchestrator) OneBatch(sessionID string) (*RoundResult, error) {
	sess, err := o.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	project, err := o.store.Project(sess.ProjectID)
	if err != nil {
		return nil, err
	}

	valid := o.validSlaves(sess.SlaveIDs)
	if len(valid) == 0 {
		return nil, structs.ErrNoValidSlaves
	}
	for _, id := range valid {
		o.sendOrLog(id, map[string]any{"type": structs.MsgTypeSetMode, "mode": project.Mode})
		o.sendOrLog(id, map[string]any{"type": structs.MsgTypeLoadProject, "config": project.Config})
	}

	return o.iterate(context.Background(), sess, o.oneBatchDeadline), nil
}

// HandlePaintResult is the ingress path for worker paint results. A success
// marks the coordinates recently repaired so the next rounds skip them.
func (o *Orchestrator) HandlePaintResult(requestID, slaveID string, tileX, tileY int, coords []structs.Coord, ok bool) {
	o.tracker.Mark(requestID, slaveID, tileX, tileY, coords, ok)
	if ok {
		o.lockout.Mark(coords, o.config().RecentLockTTL())
		metrics.IncrCounter([]string{"guardmaster", "paint", "ok"}, 1)
	} else {
		metrics.IncrCounter([]string{"guardmaster", "paint", "failed"}, 1)
	}
}

// runLoop is the background body of a started session.
func (o *Orchestrator) runLoop(ctx context.Context, handle *loopHandle, sess *structs.Session) {
	defer close(handle.done)
	o.logger.Info("session loop started", "session_id", sess.ID)

	for ctx.Err() == nil {
		res := o.safeIterate(ctx, sess)
		if !sleepCtx(ctx, o.backoffFor(res)) {
			break
		}
	}
	o.logger.Info("session loop stopped", "session_id", sess.ID)
}

// safeIterate runs one iteration and converts a panic into a nil result so
// the loop never dies on bad data.
func (o *Orchestrator) safeIterate(ctx context.Context, sess *structs.Session) (res *RoundResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("session iteration panicked", "session_id", sess.ID, "panic", r)
			res = nil
		}
	}()
	return o.iterate(ctx, sess, o.loopDeadline)
}

// backoffFor maps an iteration outcome to the pause before the next one.
func (o *Orchestrator) backoffFor(res *RoundResult) time.Duration {
	if res == nil {
		return 2 * time.Second
	}
	switch res.Reason {
	case reasonNoSlaves:
		return 3 * time.Second
	case reasonNoChanges:
		return 5 * time.Second
	case reasonNoCharges:
		return 30 * time.Second
	case reasonWaitingForCharges:
		return 10 * time.Second
	case reasonZeroRound, reasonNoPick:
		return 5 * time.Second
	default:
		return time.Second
	}
}

func (o *Orchestrator) validSlaves(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if o.fleet.IsConnected(id) {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) sendOrLog(slaveID string, msg any) {
	if err := o.fleet.SendToSlave(slaveID, msg); err != nil {
		o.logger.Warn("send to slave failed", "slave_id", slaveID, "error", err)
	}
}

// sleepCtx sleeps for d unless the context is cancelled first, returning
// false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
