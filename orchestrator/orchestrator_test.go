package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/wplace-tools/guardmaster/ci"
	"github.com/wplace-tools/guardmaster/helper/testlog"
	"github.com/wplace-tools/guardmaster/structs"
	"github.com/wplace-tools/guardmaster/testutil"
)

// fakeFleet is an in-memory Fleet. Paint batches are handed to onPaint so a
// test can play the worker side of a round.
type fakeFleet struct {
	mu        sync.Mutex
	slaves    map[string]*structs.Slave
	favorite  string
	previewAt map[string]time.Time
	sent      map[string][]any

	// answersChecks simulates a favorite that reruns its differ on demand.
	answersChecks bool

	onPaint func(slaveID string, pb *structs.PaintBatch)
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		slaves:    make(map[string]*structs.Slave),
		previewAt: make(map[string]time.Time),
		sent:      make(map[string][]any),
	}
}

func (f *fakeFleet) addSlave(id string, charges int, preview any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	telemetry := map[string]any{"remaining_charges": charges}
	if preview != nil {
		telemetry["preview_data"] = preview
		f.previewAt[id] = time.Now()
	}
	f.slaves[id] = &structs.Slave{
		ID:        id,
		Status:    structs.SlaveStatusIdle,
		Telemetry: telemetry,
	}
	if f.favorite == "" {
		f.favorite = id
	}
}

func (f *fakeFleet) IsConnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.slaves[id]
	return ok
}

func (f *fakeFleet) Slave(id string) (*structs.Slave, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slaves[id]
	if !ok {
		return nil, structs.ErrSlaveNotFound
	}
	return s.Copy(), nil
}

func (f *fakeFleet) FavoriteID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.favorite
}

func (f *fakeFleet) PreviewReportedAt(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.previewAt[id]
	return t, ok
}

func (f *fakeFleet) SendToSlave(id string, msg any) error {
	f.mu.Lock()
	if _, ok := f.slaves[id]; !ok {
		f.mu.Unlock()
		return structs.ErrSlaveNotFound
	}
	f.sent[id] = append(f.sent[id], msg)
	onPaint := f.onPaint
	answers := f.answersChecks
	fav := f.favorite
	f.mu.Unlock()

	if m, ok := msg.(map[string]any); ok && answers {
		if m["type"] == structs.MsgTypeGuardControl && m["action"] == structs.GuardActionCheck {
			f.mu.Lock()
			f.previewAt[fav] = time.Now()
			f.mu.Unlock()
		}
	}
	if pb, ok := msg.(*structs.PaintBatch); ok && onPaint != nil {
		onPaint(id, pb)
	}
	return nil
}

func (f *fakeFleet) sentOfType(id, msgType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, msg := range f.sent[id] {
		if m, ok := msg.(map[string]any); ok && m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeFleet) paintBatches(id string) []*structs.PaintBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*structs.PaintBatch
	for _, msg := range f.sent[id] {
		if pb, ok := msg.(*structs.PaintBatch); ok {
			out = append(out, pb)
		}
	}
	return out
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*structs.Project
	sessions map[string]*structs.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]*structs.Project),
		sessions: make(map[string]*structs.Session),
	}
}

func (s *fakeStore) Session(id string) (*structs.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, structs.ErrSessionNotFound
	}
	return sess.Copy(), nil
}

func (s *fakeStore) Project(id string) (*structs.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, structs.ErrProjectNotFound
	}
	return p, nil
}

func (s *fakeStore) UpdateSessionStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return structs.ErrSessionNotFound
	}
	sess.Status = status
	return nil
}

func (s *fakeStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Status
}

func testPreview(coords ...[2]int) map[string]any {
	changes := make([]any, 0, len(coords))
	for _, c := range coords {
		changes = append(changes, map[string]any{
			"x": c[0], "y": c[1],
			"type":          structs.ChangeTypeMissing,
			"expectedColor": 3,
		})
	}
	return map[string]any{"changes": changes}
}

func testOrchestrator(t *testing.T, fleet *fakeFleet, store *fakeStore, cfg *structs.GuardConfig) *Orchestrator {
	t.Helper()
	if cfg == nil {
		cfg = structs.DefaultGuardConfig()
		cfg.SpendAllPixelsOnStart = true
		cfg.ProtectionPattern = "lineUp"
	}
	o := New(testlog.HCLogger(t), fleet, store, func() *structs.GuardConfig { return cfg.Copy() })

	// Shrink the timing knobs so rounds resolve in milliseconds.
	o.previewPollInterval = time.Millisecond
	o.previewPollAttempts = 2
	o.retryPollInterval = 2 * time.Millisecond
	o.loopDeadline = 2 * time.Second
	o.oneBatchDeadline = 2 * time.Second
	o.paceMin = time.Millisecond
	o.paceMax = 2 * time.Millisecond
	return o
}

func seedSession(store *fakeStore, slaveIDs ...string) *structs.Session {
	store.projects["p1"] = &structs.Project{
		ID: "p1", Name: "mural", Mode: structs.ProjectModeGuard,
		Config: map[string]any{"width": 64},
	}
	sess := &structs.Session{
		ID: "sess1", ProjectID: "p1", SlaveIDs: slaveIDs,
		Status: structs.SessionStatusCreated,
	}
	store.sessions["sess1"] = sess
	return sess
}

func ackAllPaints(o *Orchestrator) func(string, *structs.PaintBatch) {
	return func(slaveID string, pb *structs.PaintBatch) {
		o.HandlePaintResult(pb.RequestID, slaveID, pb.TileX, pb.TileY, pb.Coords, true)
	}
}

func TestIterate_NoSlaves(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	store := newFakeStore()
	sess := seedSession(store, "ghost")
	o := testOrchestrator(t, fleet, store, nil)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, reasonNoSlaves, res.Reason)
}

func TestIterate_NoChanges(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 10, testPreview())
	store := newFakeStore()
	sess := seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, reasonNoChanges, res.Reason)
	must.Eq(t, 10, res.TotalRemaining)
}

func TestIterate_NoCharges(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 0, testPreview([2]int{1, 1}))
	store := newFakeStore()
	sess := seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, reasonNoCharges, res.Reason)
}

func TestIterate_WaitingForCharges(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, testPreview([2]int{1, 1}, [2]int{2, 2}))
	store := newFakeStore()
	sess := seedSession(store, "a")

	cfg := structs.DefaultGuardConfig()
	cfg.SpendAllPixelsOnStart = false
	cfg.PixelsPerBatch = 10
	o := testOrchestrator(t, fleet, store, cfg)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, reasonWaitingForCharges, res.Reason)
}

func TestIterate_DispatchesRound(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.answersChecks = true
	fleet.addSlave("a", 3, testPreview(
		[2]int{1, 1}, [2]int{2, 1}, [2]int{3, 1}, [2]int{1500, 1},
	))
	fleet.addSlave("b", 3, nil)
	store := newFakeStore()
	sess := seedSession(store, "a", "b")
	o := testOrchestrator(t, fleet, store, nil)
	fleet.onPaint = ackAllPaints(o)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, "", res.Reason)
	must.True(t, res.OK)
	must.Eq(t, 4, res.Assigned)
	must.Eq(t, 6, res.TotalRemaining)

	// Every dispatched coordinate is now locked out.
	must.True(t, o.lockout.IsLocked(structs.Coord{X: 1, Y: 1}))
	must.True(t, o.lockout.IsLocked(structs.Coord{X: 1500, Y: 1}))

	// A batch never spans tiles: x=1500 lands in tile 1.
	var sawFarTile bool
	for _, id := range []string{"a", "b"} {
		for _, pb := range fleet.paintBatches(id) {
			for _, c := range pb.Coords {
				must.Eq(t, c.X/TileSize, pb.TileX)
				must.Eq(t, c.Y/TileSize, pb.TileY)
			}
			if pb.TileX == 1 {
				sawFarTile = true
			}
		}
	}
	must.True(t, sawFarTile)

	// The favorite was asked for a fresh check first.
	must.SliceNotEmpty(t, fleet.sentOfType("a", structs.MsgTypeGuardControl))
}

func TestIterate_RespectsLockout(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 10, testPreview([2]int{1, 1}, [2]int{2, 2}))
	store := newFakeStore()
	sess := seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)
	fleet.onPaint = ackAllPaints(o)

	o.lockout.Mark([]structs.Coord{{X: 1, Y: 1}}, time.Minute)

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, 1, res.Assigned)
	batches := fleet.paintBatches("a")
	must.Len(t, 1, batches)
	must.Eq(t, []structs.Coord{{X: 2, Y: 2}}, batches[0].Coords)
}

func TestIterate_ExcludedColorsFiltered(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	preview := map[string]any{"changes": []any{
		map[string]any{"x": 1, "y": 1, "type": "missing", "expectedColor": 3},
		map[string]any{"x": 2, "y": 2, "type": "missing", "expectedColor": 7},
		map[string]any{"x": 3, "y": 3, "type": "correct", "expectedColor": 3},
	}}
	fleet.addSlave("a", 10, preview)
	store := newFakeStore()
	sess := seedSession(store, "a")

	cfg := structs.DefaultGuardConfig()
	cfg.SpendAllPixelsOnStart = true
	cfg.ProtectionPattern = "lineUp"
	cfg.ExcludeColor = true
	cfg.ExcludedColorIDs = []int{7}
	o := testOrchestrator(t, fleet, store, cfg)
	fleet.onPaint = ackAllPaints(o)

	res := o.iterate(context.Background(), sess, time.Second)

	// The excluded color and the already-correct pixel are both skipped.
	must.Eq(t, 1, res.Assigned)
	batches := fleet.paintBatches("a")
	must.Len(t, 1, batches)
	must.Eq(t, []structs.Coord{{X: 1, Y: 1}}, batches[0].Coords)
}

func TestIterate_RetriesToDifferentSlave(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, testPreview([2]int{1, 1}))
	fleet.addSlave("b", 5, nil)
	store := newFakeStore()
	sess := seedSession(store, "a", "b")
	o := testOrchestrator(t, fleet, store, nil)

	// The first owner always fails; anyone else succeeds.
	fleet.onPaint = func(slaveID string, pb *structs.PaintBatch) {
		ok := slaveID != "a"
		o.HandlePaintResult(pb.RequestID, slaveID, pb.TileX, pb.TileY, pb.Coords, ok)
	}

	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, "", res.Reason)
	must.Eq(t, 1, res.Assigned)

	// The batch was retried on the other worker.
	must.SliceNotEmpty(t, fleet.paintBatches("b"))
	must.True(t, o.lockout.IsLocked(structs.Coord{X: 1, Y: 1}))
}

func TestIterate_AbandonsAfterMaxRetries(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, testPreview([2]int{1, 1}))
	store := newFakeStore()
	sess := seedSession(store, "a")

	cfg := structs.DefaultGuardConfig()
	cfg.SpendAllPixelsOnStart = true
	cfg.ProtectionPattern = "lineUp"
	cfg.MaxRetries = 2
	o := testOrchestrator(t, fleet, store, cfg)

	fleet.onPaint = func(slaveID string, pb *structs.PaintBatch) {
		o.HandlePaintResult(pb.RequestID, slaveID, pb.TileX, pb.TileY, pb.Coords, false)
	}

	start := time.Now()
	res := o.iterate(context.Background(), sess, time.Second)
	must.Eq(t, "", res.Reason)

	// The lone worker got the initial send plus one resend per allowed
	// retry before the batch was abandoned.
	must.Len(t, 1+cfg.MaxRetries, fleet.paintBatches("a"))

	// Abandonment ends the round well before the deadline, with nothing
	// tracked and the coordinate free for the next round.
	must.Less(t, time.Second, time.Since(start))
	must.False(t, o.lockout.IsLocked(structs.Coord{X: 1, Y: 1}))
}

func TestRetryCandidates(t *testing.T) {
	ci.Parallel(t)

	valid := []string{"a", "b", "c"}
	credits := map[string]int{"a": 0, "b": 3, "c": 0}

	// Prefer a different worker with credit.
	must.Eq(t, []string{"b"}, retryCandidates(valid, credits, "a"))
	// Then any different worker.
	must.Eq(t, []string{"a", "c"}, retryCandidates(valid, map[string]int{}, "b"))
	// A lone worker retries on itself.
	must.Eq(t, []string{"a"}, retryCandidates([]string{"a"}, map[string]int{}, "a"))
}

func TestBuildQueues(t *testing.T) {
	ci.Parallel(t)

	selected := []*structs.Change{
		{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}, {X: 5, Y: 5},
	}
	plan := map[string]int{"a": 2, "b": 3}
	queues := buildQueues([]string{"a", "b"}, plan, selected)

	// Quotas are consumed consecutively in pattern order.
	must.Len(t, 2, queues["a"])
	must.Eq(t, structs.Coord{X: 1, Y: 1}, queues["a"][0].Coord())
	must.Len(t, 3, queues["b"])
	must.Eq(t, structs.Coord{X: 3, Y: 3}, queues["b"][0].Coord())
}

func TestBuildTilePayloads(t *testing.T) {
	ci.Parallel(t)

	items := []*structs.Change{
		{X: 10, Y: 10},
		{X: 1500, Y: 10},
		{X: 20, Y: 20},
		{X: 10, Y: 2500},
	}
	batches := buildTilePayloads(items, "req1")
	must.Len(t, 3, batches)

	// First-seen tile order, pattern order within a tile.
	must.Eq(t, 0, batches[0].TileX)
	must.Eq(t, 0, batches[0].TileY)
	must.Eq(t, []structs.Coord{{X: 10, Y: 10}, {X: 20, Y: 20}}, batches[0].Coords)
	must.Eq(t, 1, batches[1].TileX)
	must.Eq(t, 2, batches[2].TileY)
	for _, pb := range batches {
		must.Eq(t, "req1", pb.RequestID)
		must.Eq(t, len(pb.Coords), pb.BatchSize)
	}
}

func TestBackoffFor(t *testing.T) {
	ci.Parallel(t)

	o := testOrchestrator(t, newFakeFleet(), newFakeStore(), nil)

	must.Eq(t, 2*time.Second, o.backoffFor(nil))
	must.Eq(t, 3*time.Second, o.backoffFor(&RoundResult{Reason: reasonNoSlaves}))
	must.Eq(t, 5*time.Second, o.backoffFor(&RoundResult{Reason: reasonNoChanges}))
	must.Eq(t, 30*time.Second, o.backoffFor(&RoundResult{Reason: reasonNoCharges}))
	must.Eq(t, 10*time.Second, o.backoffFor(&RoundResult{Reason: reasonWaitingForCharges}))
	must.Eq(t, 5*time.Second, o.backoffFor(&RoundResult{Reason: reasonNoPick}))
	must.Eq(t, time.Second, o.backoffFor(&RoundResult{}))
}

func TestStartStopSession(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, nil)
	store := newFakeStore()
	seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	res, err := o.StartSession("sess1")
	require.NoError(t, err)
	must.Eq(t, "started", res.Status)
	must.Eq(t, 5, res.TotalRemaining)
	must.True(t, o.Running("sess1"))
	must.Eq(t, structs.SessionStatusRunning, store.status("sess1"))

	// The workers were primed with the project.
	must.SliceNotEmpty(t, fleet.sentOfType("a", structs.MsgTypeSetMode))
	must.SliceNotEmpty(t, fleet.sentOfType("a", structs.MsgTypeLoadProject))

	require.NoError(t, o.StopSession("sess1"))
	must.False(t, o.Running("sess1"))
	must.Eq(t, structs.SessionStatusStopped, store.status("sess1"))

	stops := fleet.sentOfType("a", structs.MsgTypeControl)
	must.SliceNotEmpty(t, stops)
	must.Eq(t, structs.ControlActionStop, stops[len(stops)-1]["action"])
}

func TestStartSession_NoValidSlaves(t *testing.T) {
	ci.Parallel(t)

	store := newFakeStore()
	seedSession(store, "ghost")
	o := testOrchestrator(t, newFakeFleet(), store, nil)

	_, err := o.StartSession("sess1")
	must.ErrorIs(t, err, structs.ErrNoValidSlaves)

	_, err = o.StartSession("missing")
	must.ErrorIs(t, err, structs.ErrSessionNotFound)
}

func TestPauseSession_LoopKeepsRunning(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, nil)
	store := newFakeStore()
	seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	_, err := o.StartSession("sess1")
	require.NoError(t, err)

	require.NoError(t, o.PauseSession("sess1"))
	must.Eq(t, structs.SessionStatusPaused, store.status("sess1"))

	// Pause is a worker-side hold: the loop stays alive for a later resume.
	must.True(t, o.Running("sess1"))
	pauses := fleet.sentOfType("a", structs.MsgTypeControl)
	must.SliceNotEmpty(t, pauses)
	must.Eq(t, structs.ControlActionPause, pauses[len(pauses)-1]["action"])

	o.Shutdown()
	must.False(t, o.Running("sess1"))
}

func TestShutdown_WaitsForLoops(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, nil)
	store := newFakeStore()
	seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	_, err := o.StartSession("sess1")
	require.NoError(t, err)

	o.Shutdown()
	must.False(t, o.Running("sess1"))

	// Idempotent.
	o.Shutdown()
}

func TestOneBatch(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 10, testPreview([2]int{1, 1}, [2]int{2, 2}))
	store := newFakeStore()
	seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)
	fleet.onPaint = ackAllPaints(o)

	res, err := o.OneBatch("sess1")
	require.NoError(t, err)
	must.True(t, res.OK)
	must.Eq(t, 2, res.Assigned)
	must.Eq(t, "sess1", res.SessionID)
	must.MapContainsKey(t, res.Plan, "a")
}

func TestStartSession_RestartReplacesLoop(t *testing.T) {
	ci.Parallel(t)

	fleet := newFakeFleet()
	fleet.addSlave("a", 5, nil)
	store := newFakeStore()
	seedSession(store, "a")
	o := testOrchestrator(t, fleet, store, nil)

	_, err := o.StartSession("sess1")
	require.NoError(t, err)
	_, err = o.StartSession("sess1")
	require.NoError(t, err)
	must.True(t, o.Running("sess1"))

	require.NoError(t, o.StopSession("sess1"))
	testutil.WaitForResult(func() (bool, error) {
		return !o.Running("sess1"), nil
	}, func(err error) {
		t.Fatalf("loop still running: %v", err)
	})
}
