// Package agent wires the master's components together and serves the HTTP
// and WebSocket API: the connection registry, the session orchestrator, the
// state store and the process-wide guard configuration.
package agent

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wplace-tools/guardmaster/orchestrator"
	"github.com/wplace-tools/guardmaster/registry"
	"github.com/wplace-tools/guardmaster/state"
	"github.com/wplace-tools/guardmaster/structs"
)

// Agent owns the component graph and the mutable process-wide state: the
// guard config snapshot, the last guard upload and the UI slave selection.
type Agent struct {
	logger   hclog.Logger
	config   *Config
	store    *state.StateStore
	registry *registry.Registry
	orch     *orchestrator.Orchestrator

	mu              sync.Mutex
	guardConfig     *structs.GuardConfig
	lastGuardUpload *structs.GuardUpload
	uiSelected      []string
}

// NewAgent opens the state store and builds the registry and orchestrator.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	store, err := state.Open(config.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:      logger.Named("agent"),
		config:      config,
		store:       store,
		guardConfig: structs.DefaultGuardConfig(),
	}
	a.registry = registry.New(logger)
	a.registry.OnFavoriteChange(a.pushGuardState)
	a.orch = orchestrator.New(logger, a.registry, store, a.GuardConfig)
	return a, nil
}

// GuardConfig returns a copy of the current guard option snapshot.
func (a *Agent) GuardConfig() *structs.GuardConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guardConfig.Copy()
}

// UpdateGuardConfig merges a partial update and returns the new snapshot
// plus the changed keys.
func (a *Agent) UpdateGuardConfig(u *structs.GuardConfigUpdate) (*structs.GuardConfig, map[string]any) {
	a.mu.Lock()
	changed := a.guardConfig.Merge(u)
	cfg := a.guardConfig.Copy()
	a.mu.Unlock()
	return cfg, changed
}

// GuardUpload returns the last uploaded guard data, or nil.
func (a *Agent) GuardUpload() *structs.GuardUpload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastGuardUpload
}

// SetGuardUpload stores the uploaded guard data for later favorite pushes.
func (a *Agent) SetGuardUpload(g *structs.GuardUpload) {
	a.mu.Lock()
	a.lastGuardUpload = g
	a.mu.Unlock()
}

// ClearGuardUpload drops the stored guard data.
func (a *Agent) ClearGuardUpload() {
	a.mu.Lock()
	a.lastGuardUpload = nil
	a.mu.Unlock()
}

// SelectedSlaves returns the UI slave selection.
func (a *Agent) SelectedSlaves() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.uiSelected...)
}

// SetSelectedSlaves replaces the UI slave selection, deduplicating while
// preserving order, and returns the stored list.
func (a *Agent) SetSelectedSlaves(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	a.mu.Lock()
	a.uiSelected = out
	a.mu.Unlock()
	return append([]string(nil), out...)
}

// pushGuardState sends the current guard config and the last guard upload to
// a worker. Runs on favorite election, promotion and favorite reconnect.
func (a *Agent) pushGuardState(slaveID string) {
	cfg := a.GuardConfig()
	if err := a.registry.SendToSlave(slaveID, map[string]any{
		"type":      structs.MsgTypeGuardConfig,
		"config":    cfg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.Error("failed to push guard config", "slave_id", slaveID, "error", err)
		return
	}

	upload := a.GuardUpload()
	if upload == nil {
		return
	}
	if err := a.registry.SendToSlave(slaveID, map[string]any{
		"type":      structs.MsgTypeGuardData,
		"filename":  upload.Filename,
		"guardData": upload.Data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.Error("failed to push guard data", "slave_id", slaveID, "error", err)
	}
}

// Shutdown stops the session loops and closes the store.
func (a *Agent) Shutdown() error {
	a.orch.Shutdown()
	return a.store.Close()
}
