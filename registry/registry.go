// Package registry tracks live worker and UI connections. It owns favorite
// election, telemetry ingestion and all socket writes; callers never touch a
// websocket directly. Writes happen outside the registry lock under a
// per-connection mutex so a slow peer cannot stall the fleet.
package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/wplace-tools/guardmaster/codec"
	"github.com/wplace-tools/guardmaster/structs"
)

// Conn is the subset of *websocket.Conn the registry needs. Tests substitute
// in-memory fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type slaveEntry struct {
	conn    Conn
	writeMu sync.Mutex
	slave   *structs.Slave
}

func (e *slaveEntry) write(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// UIConn is the registry's handle for one dashboard connection.
type UIConn struct {
	conn    Conn
	writeMu sync.Mutex
}

func (e *UIConn) write(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry is the connection table for slaves and UIs.
type Registry struct {
	logger hclog.Logger

	// onFavorite runs outside the registry lock whenever a worker becomes
	// (or reconnects as) the favorite. The agent uses it to push the guard
	// config and the last guard upload to that worker.
	onFavorite func(slaveID string)

	mu         sync.RWMutex
	slaves     map[string]*slaveEntry
	order      []string // connection order, drives favorite election
	favoriteID string
	previewAt  map[string]time.Time
	uis        map[*UIConn]struct{}
}

func New(logger hclog.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		slaves:    make(map[string]*slaveEntry),
		previewAt: make(map[string]time.Time),
		uis:       make(map[*UIConn]struct{}),
	}
}

// OnFavoriteChange installs the favorite push hook. Must be called before
// connections arrive.
func (r *Registry) OnFavoriteChange(fn func(slaveID string)) {
	r.onFavorite = fn
}

// ConnectSlave registers a worker connection. The first worker ever connected
// becomes the favorite. A second connection with an id already present
// replaces the old socket but keeps the worker record, including its favorite
// role.
func (r *Registry) ConnectSlave(id string, conn Conn) {
	now := time.Now().UTC()

	r.mu.Lock()
	old, reconnect := r.slaves[id]
	var entry *slaveEntry
	if reconnect {
		entry = &slaveEntry{conn: conn, slave: old.slave}
		entry.slave.LastSeen = now
	} else {
		entry = &slaveEntry{
			conn: conn,
			slave: &structs.Slave{
				ID:          id,
				ConnectedAt: now,
				LastSeen:    now,
				Status:      structs.SlaveStatusIdle,
				Telemetry:   make(map[string]any),
			},
		}
		r.order = append(r.order, id)
	}
	r.slaves[id] = entry
	elected := false
	if r.favoriteID == "" {
		r.favoriteID = id
		elected = true
	}
	entry.slave.IsFavorite = r.favoriteID == id
	isFavorite := entry.slave.IsFavorite
	r.mu.Unlock()

	if reconnect {
		old.conn.Close()
		r.logger.Info("slave reconnected", "slave_id", id, "favorite", isFavorite)
		r.broadcastEvent(map[string]any{"type": "slave_reconnected", "slave_id": id})
	} else {
		r.logger.Info("slave connected", "slave_id", id, "favorite", isFavorite)
		r.broadcastEvent(map[string]any{"type": "slave_connected", "slave_id": id})
	}

	r.sendTo(entry, map[string]any{
		"type":        structs.MsgTypeConnected,
		"slave_id":    id,
		"is_favorite": isFavorite,
	})

	if elected {
		r.broadcastEvent(map[string]any{"type": "favorite_set", "slave_id": id})
	}
	// A reconnecting favorite lost its socket state, so the config and guard
	// data are pushed again just like on election.
	if isFavorite && r.onFavorite != nil {
		r.onFavorite(id)
	}
}

// DisconnectSlave removes a worker. If it was the favorite, the oldest
// remaining connection is elected in its place and receives the guard push.
func (r *Registry) DisconnectSlave(id string) {
	r.disconnectSlave(id, nil)
}

// ReleaseSlave removes a worker only while its entry still owns the given
// connection. A socket handler whose connection was replaced by a reconnect
// releases a stale conn and must not tear down the replacement.
func (r *Registry) ReleaseSlave(id string, conn Conn) {
	r.disconnectSlave(id, conn)
}

func (r *Registry) disconnectSlave(id string, conn Conn) {
	r.mu.Lock()
	entry, ok := r.slaves[id]
	if !ok || (conn != nil && entry.conn != conn) {
		r.mu.Unlock()
		return
	}
	delete(r.slaves, id)
	delete(r.previewAt, id)
	r.removeOrderLocked(id)

	var successor *slaveEntry
	successorID := ""
	if r.favoriteID == id {
		r.favoriteID = ""
		if len(r.order) > 0 {
			successorID = r.order[0]
			r.favoriteID = successorID
			successor = r.slaves[successorID]
			successor.slave.IsFavorite = true
		}
	}
	r.mu.Unlock()

	entry.conn.Close()
	r.logger.Info("slave disconnected", "slave_id", id)
	r.broadcastEvent(map[string]any{"type": "slave_disconnected", "slave_id": id})

	if successor != nil {
		r.logger.Info("favorite re-elected", "slave_id", successorID)
		r.sendTo(successor, map[string]any{
			"type":       structs.MsgTypeSetFavorite,
			"isFavorite": true,
		})
		if r.onFavorite != nil {
			r.onFavorite(successorID)
		}
		r.broadcastEvent(map[string]any{"type": "slave_favorite", "slave_id": successorID})
	}
}

// SetFavorite promotes the given worker, demoting the current favorite.
func (r *Registry) SetFavorite(id string) error {
	r.mu.Lock()
	entry, ok := r.slaves[id]
	if !ok {
		r.mu.Unlock()
		return structs.ErrSlaveNotFound
	}
	var demoted *slaveEntry
	if r.favoriteID != id {
		if prev, ok := r.slaves[r.favoriteID]; ok {
			prev.slave.IsFavorite = false
			demoted = prev
		}
		r.favoriteID = id
		entry.slave.IsFavorite = true
	}
	r.mu.Unlock()

	if demoted != nil {
		r.sendTo(demoted, map[string]any{
			"type":       structs.MsgTypeSetFavorite,
			"isFavorite": false,
		})
	}
	r.sendTo(entry, map[string]any{
		"type":       structs.MsgTypeSetFavorite,
		"isFavorite": true,
	})
	r.logger.Info("favorite changed", "slave_id", id)
	if r.onFavorite != nil {
		r.onFavorite(id)
	}
	r.broadcastEvent(map[string]any{"type": "favorite_set", "slave_id": id})
	return nil
}

// FavoriteID returns the current favorite's id, or "".
func (r *Registry) FavoriteID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.favoriteID
}

// Favorite returns a copy of the favorite slave record.
func (r *Registry) Favorite() (*structs.Slave, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.slaves[r.favoriteID]
	if !ok {
		return nil, structs.ErrNoFavorite
	}
	return entry.slave.Copy(), nil
}

// Slave returns a copy of one worker record.
func (r *Registry) Slave(id string) (*structs.Slave, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.slaves[id]
	if !ok {
		return nil, structs.ErrSlaveNotFound
	}
	return entry.slave.Copy(), nil
}

// Slaves returns copies of all worker records in connection order.
func (r *Registry) Slaves() []*structs.Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*structs.Slave, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.slaves[id]; ok {
			out = append(out, entry.slave.Copy())
		}
	}
	return out
}

// IDs returns connected worker ids in connection order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// IsConnected reports whether a worker id has a live connection.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slaves[id]
	return ok
}

// ApplyTelemetry merges a telemetry report into a worker's bag, stamps
// last-seen and notifies UIs. Preview data follows the replacement rule: a
// summary preview never overwrites a detailed one. Returns false for unknown
// workers.
func (r *Registry) ApplyTelemetry(id string, data map[string]any) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	entry, ok := r.slaves[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.slave.LastSeen = now
	for k, v := range data {
		switch k {
		case "type":
			// Frame type, not telemetry.
		case "status":
			if s, ok := v.(string); ok {
				entry.slave.Status = s
			}
		case "mode":
			if s, ok := v.(string); ok {
				entry.slave.Mode = s
			}
			entry.slave.Telemetry[k] = v
		case "previewData", "preview_data":
			r.storePreviewLocked(entry, id, v, now)
		default:
			entry.slave.Telemetry[k] = v
		}
	}
	telemetry := entry.slave.Copy().Telemetry
	status := entry.slave.Status
	r.mu.Unlock()

	r.broadcastEvent(map[string]any{
		"type":      "telemetry_update",
		"slave_id":  id,
		"status":    status,
		"telemetry": telemetry,
	})
	return true
}

// StorePreview records a preview report from a worker, applying the
// replacement rule, and returns whether it was stored.
func (r *Registry) StorePreview(id string, preview any) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	entry, ok := r.slaves[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.slave.LastSeen = now
	r.storePreviewLocked(entry, id, preview, now)
	r.mu.Unlock()
	return true
}

// storePreviewLocked applies the preview replacement rule under r.mu: the new
// preview wins iff it is detailed or the stored one is not.
func (r *Registry) storePreviewLocked(entry *slaveEntry, id string, v any, now time.Time) {
	existing := entry.slave.Telemetry["preview_data"]
	if existing != nil && structs.PreviewIsDetailed(existing) && !structs.PreviewIsDetailed(v) {
		return
	}
	entry.slave.Telemetry["preview_data"] = v
	// The freshness clock only tracks the favorite; other workers may carry
	// previews in telemetry without driving the poll handshake.
	if id == r.favoriteID {
		r.previewAt[id] = now
	}
}

// ClearTelemetryKeys removes the given telemetry keys from every worker,
// used when guard state is cleared.
func (r *Registry) ClearTelemetryKeys(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.slaves {
		for _, k := range keys {
			delete(entry.slave.Telemetry, k)
			if k == "preview_data" {
				delete(r.previewAt, id)
			}
		}
	}
}

// PreviewReportedAt returns when the worker last stored a preview.
func (r *Registry) PreviewReportedAt(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.previewAt[id]
	return t, ok
}

// SendToSlave encodes and writes one frame to a worker. A write failure
// disconnects the worker so the caller never retries into a dead socket.
func (r *Registry) SendToSlave(id string, msg any) error {
	r.mu.RLock()
	entry, ok := r.slaves[id]
	r.mu.RUnlock()
	if !ok {
		return structs.ErrSlaveNotFound
	}

	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := entry.write(data); err != nil {
		r.logger.Warn("slave write failed, disconnecting", "slave_id", id, "error", err)
		r.DisconnectSlave(id)
		return err
	}
	return nil
}

// SendPreparedToSlave writes an already encoded frame to a worker, for
// callers that needed the encoding metadata. Same failure policy as
// SendToSlave.
func (r *Registry) SendPreparedToSlave(id string, data []byte) error {
	r.mu.RLock()
	entry, ok := r.slaves[id]
	r.mu.RUnlock()
	if !ok {
		return structs.ErrSlaveNotFound
	}
	if err := entry.write(data); err != nil {
		r.logger.Warn("slave write failed, disconnecting", "slave_id", id, "error", err)
		r.DisconnectSlave(id)
		return err
	}
	return nil
}

// SetStatus updates a worker's reported status and notifies UIs.
func (r *Registry) SetStatus(id, status string) bool {
	r.mu.Lock()
	entry, ok := r.slaves[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.slave.Status = status
	entry.slave.LastSeen = time.Now().UTC()
	r.mu.Unlock()

	r.broadcastEvent(map[string]any{
		"type":     "status_update",
		"slave_id": id,
		"status":   status,
	})
	return true
}

// SendToFavorite sends one frame to the current favorite.
func (r *Registry) SendToFavorite(msg any) error {
	id := r.FavoriteID()
	if id == "" {
		return structs.ErrNoFavorite
	}
	return r.SendToSlave(id, msg)
}

// BroadcastToSlaves sends one frame to the given workers, or to all workers
// when ids is nil. Write failures disconnect the worker.
func (r *Registry) BroadcastToSlaves(msg any, ids []string) error {
	if ids == nil {
		ids = r.IDs()
	}
	var mErr *multierror.Error
	for _, id := range ids {
		if !r.IsConnected(id) {
			continue
		}
		if err := r.SendToSlave(id, msg); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}

func (r *Registry) sendTo(entry *slaveEntry, msg any) {
	data, err := codec.Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode frame", "error", err)
		return
	}
	if err := entry.write(data); err != nil {
		r.logger.Warn("slave write failed", "slave_id", entry.slave.ID, "error", err)
	}
}

// ConnectUI registers a dashboard connection and returns its handle.
func (r *Registry) ConnectUI(conn Conn) *UIConn {
	entry := &UIConn{conn: conn}
	r.mu.Lock()
	r.uis[entry] = struct{}{}
	n := len(r.uis)
	r.mu.Unlock()
	r.logger.Debug("ui connected", "ui_count", n)
	return entry
}

// DisconnectUI removes a dashboard connection.
func (r *Registry) DisconnectUI(entry *UIConn) {
	r.mu.Lock()
	delete(r.uis, entry)
	r.mu.Unlock()
	entry.conn.Close()
}

// UICount returns the number of connected dashboards.
func (r *Registry) UICount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.uis)
}

// SendToUI writes one frame to a single dashboard connection.
func (r *Registry) SendToUI(entry *UIConn, msg any) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return entry.write(data)
}

// BroadcastToUI encodes once and fans a frame out to every dashboard,
// evicting connections whose write fails.
func (r *Registry) BroadcastToUI(msg any) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	r.mu.RLock()
	targets := make([]*UIConn, 0, len(r.uis))
	for e := range r.uis {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	var mErr *multierror.Error
	for _, e := range targets {
		if werr := e.write(data); werr != nil {
			mErr = multierror.Append(mErr, werr)
			r.DisconnectUI(e)
		}
	}
	return mErr.ErrorOrNil()
}

func (r *Registry) broadcastEvent(msg map[string]any) {
	if err := r.BroadcastToUI(msg); err != nil {
		r.logger.Debug("ui broadcast failed", "error", err)
	}
}

func (r *Registry) removeOrderLocked(id string) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
