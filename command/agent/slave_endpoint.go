package agent

import (
	"net/http"

	"github.com/wplace-tools/guardmaster/structs"
)

// SlavesRequest lists the connected workers.
func (s *HTTPServer) SlavesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	return map[string]any{"slaves": s.agent.registry.Slaves()}, nil
}

// PaintRequest is the body for a direct paint command.
type PaintRequest struct {
	TileX  int             `json:"tileX"`
	TileY  int             `json:"tileY"`
	Coords []structs.Coord `json:"coords"`
	Colors []int           `json:"colors"`
}

// SlaveSpecificRequest routes /v1/slave/{id}/favorite and /v1/slave/{id}/paint.
func (s *HTTPServer) SlaveSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	parts := pathSuffix(req, "/v1/slave/")
	if len(parts) != 2 {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	slaveID, action := parts[0], parts[1]

	switch action {
	case "favorite":
		return s.setFavorite(slaveID)
	case "paint":
		return s.paintWithSlave(slaveID, req)
	default:
		return nil, CodedError(http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) setFavorite(slaveID string) (interface{}, error) {
	reg := s.agent.registry
	if _, err := reg.Slave(slaveID); err != nil {
		return nil, err
	}

	// Already the favorite: just refresh its config and guard data.
	if reg.FavoriteID() == slaveID {
		s.agent.pushGuardState(slaveID)
		return map[string]any{"ok": true, "favorite": slaveID, "unchanged": true}, nil
	}

	previous := reg.FavoriteID()
	if err := reg.SetFavorite(slaveID); err != nil {
		return nil, err
	}
	out := map[string]any{"ok": true, "favorite": slaveID}
	if previous != "" {
		out["demoted"] = []string{previous}
	}
	return out, nil
}

func (s *HTTPServer) paintWithSlave(slaveID string, req *http.Request) (interface{}, error) {
	var cmd PaintRequest
	if err := decodeBody(req, &cmd); err != nil {
		return nil, err
	}
	if len(cmd.Coords) == 0 || len(cmd.Coords) != len(cmd.Colors) {
		return nil, CodedError(http.StatusBadRequest, "coords/colors length mismatch or empty")
	}

	err := s.agent.registry.SendToSlave(slaveID, &structs.PaintBatch{
		Type:      structs.MsgTypePaintBatch,
		TileX:     cmd.TileX,
		TileY:     cmd.TileY,
		Coords:    cmd.Coords,
		Colors:    cmd.Colors,
		BatchSize: len(cmd.Coords),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "queued": len(cmd.Coords)}, nil
}
