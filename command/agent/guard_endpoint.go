package agent

import (
	"net/http"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/wplace-tools/guardmaster/codec"
	"github.com/wplace-tools/guardmaster/structs"
)

// guardClearedTelemetryKeys are wiped on every worker when guard state is
// cleared.
var guardClearedTelemetryKeys = []string{
	"preview_data", "correctPixels", "incorrectPixels", "missingPixels",
}

// GuardConfigRequest reads or updates the process-wide guard options.
func (s *HTTPServer) GuardConfigRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return map[string]any{"config": s.agent.GuardConfig()}, nil
	case http.MethodPost:
		return s.updateGuardConfig(req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) updateGuardConfig(req *http.Request) (interface{}, error) {
	var update structs.GuardConfigUpdate
	if err := decodeBody(req, &update); err != nil {
		return nil, err
	}
	cfg, changed := s.agent.UpdateGuardConfig(&update)

	if favID := s.agent.registry.FavoriteID(); favID != "" {
		err := s.agent.registry.SendToSlave(favID, map[string]any{
			"type":      structs.MsgTypeGuardConfig,
			"config":    cfg,
			"changed":   changed,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			s.logger.Error("failed to push guard config to favorite",
				"slave_id", favID, "error", err)
		}
	}

	s.agent.registry.BroadcastToUI(map[string]any{
		"type":    "guard_config",
		"config":  cfg,
		"changed": changed,
	})
	return map[string]any{"ok": true, "config": cfg, "changed": changed}, nil
}

// GuardCheckRequest asks the favorite (or any worker as fallback) for an
// immediate canvas analysis.
func (s *HTTPServer) GuardCheckRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	target := s.agent.registry.FavoriteID()
	if target == "" {
		ids := s.agent.registry.IDs()
		if len(ids) == 0 {
			return nil, CodedError(http.StatusBadRequest, "no favorite slave connected")
		}
		target = ids[0]
		s.logger.Warn("no favorite slave, using fallback for check", "slave_id", target)
	}

	if err := s.agent.registry.SendToSlave(target, map[string]any{
		"type":   structs.MsgTypeGuardControl,
		"action": structs.GuardActionCheck,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "requested": target}, nil
}

// GuardRepairRequest asks the favorite for an immediate repair pass.
func (s *HTTPServer) GuardRepairRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var params map[string]any
	if err := decodeBody(req, &params); err != nil {
		return nil, err
	}
	favID := s.agent.registry.FavoriteID()
	if favID == "" {
		return nil, CodedError(http.StatusBadRequest, "no favorite slave connected")
	}

	if err := s.agent.registry.SendToSlave(favID, map[string]any{
		"type":   structs.MsgTypeGuardControl,
		"action": structs.GuardActionRepair,
		"params": params,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "requested": favID, "params": params}, nil
}

// GuardStopRequest stops paint activity on the favorite (or any worker).
func (s *HTTPServer) GuardStopRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	target := s.agent.registry.FavoriteID()
	if target == "" {
		ids := s.agent.registry.IDs()
		if len(ids) == 0 {
			return map[string]any{"ok": true, "requested": nil, "skipped": "no_slave_connected"}, nil
		}
		target = ids[0]
		s.logger.Warn("no favorite slave, using fallback for stop", "slave_id", target)
	}

	if err := s.agent.registry.SendToSlave(target, map[string]any{
		"type":   structs.MsgTypeControl,
		"action": structs.ControlActionStop,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "requested": target}, nil
}

// GuardClearRequest wipes guard state on every worker and on the server.
func (s *HTTPServer) GuardClearRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	cleared := []string{}
	for _, id := range s.agent.registry.IDs() {
		err := s.agent.registry.SendToSlave(id, map[string]any{
			"type":   structs.MsgTypeGuardControl,
			"action": structs.GuardActionClear,
		})
		if err != nil {
			s.logger.Error("failed to send clear", "slave_id", id, "error", err)
			continue
		}
		cleared = append(cleared, id)
	}

	s.agent.registry.ClearTelemetryKeys(guardClearedTelemetryKeys...)
	s.agent.ClearGuardUpload()

	s.agent.registry.BroadcastToUI(map[string]any{
		"type":             "guard_cleared",
		"cleared_slaves":   cleared,
		"guardDataCleared": true,
	})
	return map[string]any{"ok": true, "cleared_slaves": cleared, "total_cleared": len(cleared)}, nil
}

// GuardPreviewRequest returns the favorite's last stored preview.
func (s *HTTPServer) GuardPreviewRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	fav, err := s.agent.registry.Favorite()
	if err != nil {
		return nil, CodedError(http.StatusNotFound, "no favorite slave connected")
	}
	preview := fav.RawPreview()
	if preview == nil {
		return nil, CodedError(http.StatusNotFound, "no preview data yet")
	}
	return map[string]any{"ok": true, "slave_id": fav.ID, "data": preview}, nil
}

// GuardUploadBody is the request body for a guard data upload.
type GuardUploadBody struct {
	Filename string         `json:"filename"`
	Data     map[string]any `json:"data"`
}

// GuardUploadRequest stores the uploaded guard reference data and pushes it
// to the favorite, reporting the compression applied to the frame.
func (s *HTTPServer) GuardUploadRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var body GuardUploadBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	favID := s.agent.registry.FavoriteID()
	if favID == "" {
		return nil, CodedError(http.StatusBadRequest, "no favorite slave connected")
	}
	if body.Filename == "" {
		body.Filename = "uploaded_guard.json"
	}

	s.agent.SetGuardUpload(&structs.GuardUpload{
		Filename: body.Filename,
		Data:     body.Data,
		StoredAt: time.Now().UTC(),
	})

	payload := map[string]any{
		"type":      structs.MsgTypeGuardData,
		"filename":  body.Filename,
		"guardData": body.Data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	frame, meta, err := codec.EncodeMeta(payload)
	if err != nil {
		return nil, err
	}
	if err := s.agent.registry.SendPreparedToSlave(favID, frame); err != nil {
		return nil, err
	}

	pixels := guardPixelCount(body.Data)
	s.logger.Info("guard data uploaded", "slave_id", favID, "filename", body.Filename,
		"pixels", pixels, "size", humanize.Bytes(uint64(meta.OriginalLength)),
		"compressed", meta.Compressed)

	s.agent.registry.BroadcastToUI(map[string]any{
		"type":             "guard_upload_sent",
		"slave_id":         favID,
		"filename":         body.Filename,
		"pixels":           pixels,
		"originalLength":   meta.OriginalLength,
		"compressedLength": meta.CompressedLength,
		"compressed":       meta.Compressed,
	})
	return map[string]any{"ok": true, "sent_to": favID, "filename": body.Filename}, nil
}

func guardPixelCount(data map[string]any) int {
	if list, ok := data["originalPixels"].([]any); ok {
		return len(list)
	}
	return 0
}
