package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-uuid"

	"github.com/wplace-tools/guardmaster/codec"
	"github.com/wplace-tools/guardmaster/structs"
)

// slaveSocket is the worker transport. The worker may bring its own id via
// ?id=; otherwise one is generated.
func (s *HTTPServer) slaveSocket(resp http.ResponseWriter, req *http.Request) {
	slaveID := req.URL.Query().Get("id")
	if slaveID == "" {
		raw, err := uuid.GenerateUUID()
		if err != nil {
			http.Error(resp, "failed to generate slave id", http.StatusInternalServerError)
			return
		}
		slaveID = "SLV_" + strings.ToUpper(strings.ReplaceAll(raw, "-", "")[:8])
	}

	conn, err := s.wsUpgrader.Upgrade(resp, req, nil)
	if err != nil {
		s.logger.Error("slave websocket upgrade failed", "error", err)
		return
	}

	s.agent.registry.ConnectSlave(slaveID, conn)
	defer s.agent.registry.ReleaseSlave(slaveID, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed slave frame", "slave_id", slaveID, "error", err)
			continue
		}
		s.handleSlaveMessage(slaveID, msg)
	}
}

func (s *HTTPServer) handleSlaveMessage(slaveID string, msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case structs.MsgTypeTelemetry:
		data, _ := msg["data"].(map[string]any)
		if data != nil {
			s.agent.registry.ApplyTelemetry(slaveID, data)
		}

	case structs.MsgTypeStatus:
		status, _ := msg["status"].(string)
		if status == "" {
			status = structs.SlaveStatusIdle
		}
		s.agent.registry.SetStatus(slaveID, status)

	case structs.MsgTypePreviewData:
		// Previews only matter from the favorite; expire stale lockouts on
		// the same beat the loop reads them.
		if slaveID != s.agent.registry.FavoriteID() {
			return
		}
		s.agent.orch.Lockout().Age()
		data := msg["data"]
		s.agent.registry.StorePreview(slaveID, data)
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":     "preview_data",
			"slave_id": slaveID,
			"data":     data,
		})

	case structs.MsgTypePaintResult:
		s.handlePaintResult(slaveID, msg)

	case structs.MsgTypePaintProgress:
		s.handlePaintProgress(slaveID, msg)

	case structs.MsgTypeRepairAck:
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":          "repair_ack",
			"slave_id":      slaveID,
			"total_repairs": msg["total_repairs"],
			"source":        msg["source"],
		})

	case structs.MsgTypeRepairProgress:
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":      "repair_progress",
			"slave_id":  slaveID,
			"completed": msg["completed"],
			"total":     msg["total"],
			"source":    msg["source"],
		})

	case structs.MsgTypeRepairComplete:
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":      "repair_complete",
			"slave_id":  slaveID,
			"completed": msg["completed"],
			"source":    msg["source"],
		})

	case structs.MsgTypeRepairError:
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":     "repair_error",
			"slave_id": slaveID,
			"error":    msg["error"],
			"source":   msg["source"],
		})

	default:
		s.logger.Debug("ignoring slave message", "slave_id", slaveID, "msg_type", msgType)
	}
}

func (s *HTTPServer) handlePaintResult(slaveID string, msg map[string]any) {
	requestID, _ := msg["requestId"].(string)
	tileX := weakInt(msg["tileX"])
	tileY := weakInt(msg["tileY"])
	coords := decodeCoords(msg["coords"])
	ok, _ := msg["ok"].(bool)

	if requestID != "" {
		s.agent.orch.HandlePaintResult(requestID, slaveID, tileX, tileY, coords, ok)
	}

	event := map[string]any{
		"type":        "paint_result",
		"slave_id":    slaveID,
		"is_favorite": slaveID == s.agent.registry.FavoriteID(),
	}
	for k, v := range msg {
		if k != "type" {
			event[k] = v
		}
	}
	s.agent.registry.BroadcastToUI(event)
}

func (s *HTTPServer) handlePaintProgress(slaveID string, msg map[string]any) {
	completed := weakInt(msg["completed"])
	total := weakInt(msg["total"])
	if total == 0 {
		total = weakInt(msg["batchSize"])
	}

	event := map[string]any{
		"type":        "paint_progress",
		"slave_id":    slaveID,
		"is_favorite": slaveID == s.agent.registry.FavoriteID(),
		"completed":   completed,
		"total":       total,
	}
	for k, v := range msg {
		switch k {
		case "type", "completed", "total":
		default:
			event[k] = v
		}
	}
	s.agent.registry.BroadcastToUI(event)
}

// uiSocket streams events to a dashboard. The first frame is the full state
// snapshot; afterwards the socket only receives broadcasts.
func (s *HTTPServer) uiSocket(resp http.ResponseWriter, req *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(resp, req, nil)
	if err != nil {
		s.logger.Error("ui websocket upgrade failed", "error", err)
		return
	}

	entry := s.agent.registry.ConnectUI(conn)
	defer s.agent.registry.DisconnectUI(entry)

	if err := s.agent.registry.SendToUI(entry, s.initialUIState()); err != nil {
		s.logger.Warn("failed to send initial ui state", "error", err)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// initialUIState snapshots workers, projects, sessions and the UI selection,
// plus an available-colors palette hydrated from the favorite's preview, any
// worker's preview, or the last guard upload, in that order.
func (s *HTTPServer) initialUIState() map[string]any {
	slaves := s.agent.registry.Slaves()

	var colors []structs.ColorEntry
	if fav, err := s.agent.registry.Favorite(); err == nil {
		colors = fav.Preview().AvailableColors
	}
	if len(colors) == 0 {
		for _, sl := range slaves {
			if c := sl.Preview().AvailableColors; len(c) > 0 {
				colors = c
				break
			}
		}
	}
	if len(colors) == 0 {
		if upload := s.agent.GuardUpload(); upload != nil {
			if list, ok := upload.Data["colors"].([]any); ok {
				colors = structs.NormalizeColors(list)
			}
		}
	}
	if colors == nil {
		colors = []structs.ColorEntry{}
	}

	return map[string]any{
		"type":             "initial_state",
		"slaves":           slaves,
		"projects":         s.agent.store.Projects(),
		"sessions":         s.agent.store.Sessions(),
		"selected_slaves":  s.agent.SelectedSlaves(),
		"available_colors": colors,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
}

// weakInt coerces loose JSON numbers into ints, defaulting to 0.
func weakInt(v any) int {
	var n int
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &n,
	})
	if err != nil || v == nil || dec.Decode(v) != nil {
		return 0
	}
	return n
}

func decodeCoords(v any) []structs.Coord {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]structs.Coord, 0, len(list))
	for _, item := range list {
		var c structs.Coord
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &c,
		})
		if err != nil || dec.Decode(item) != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}
