package structs

import "fmt"

// Outbound message types the master may send to workers.
const (
	MsgTypeConnected      = "connected"
	MsgTypeFavoriteStatus = "favorite_status"
	MsgTypeSetFavorite    = "setFavorite"
	MsgTypeSetMode        = "setMode"
	MsgTypeLoadProject    = "loadProject"
	MsgTypeGuardConfig    = "guardConfig"
	MsgTypeGuardData      = "guardData"
	MsgTypeGuardControl   = "guardControl"
	MsgTypeControl        = "control"
	MsgTypePaintBatch     = "paintBatch"
	MsgTypeRepairOrder    = "repairOrder"
	MsgTypePing           = "ping"
)

// Inbound message types the master consumes from workers.
const (
	MsgTypeTelemetry      = "telemetry"
	MsgTypeStatus         = "status"
	MsgTypePreviewData    = "preview_data"
	MsgTypePaintProgress  = "paint_progress"
	MsgTypePaintResult    = "paint_result"
	MsgTypeRepairAck      = "repair_ack"
	MsgTypeRepairProgress = "repair_progress"
	MsgTypeRepairComplete = "repair_complete"
	MsgTypeRepairError    = "repair_error"
)

// guardControl actions.
const (
	GuardActionCheck  = "check"
	GuardActionRepair = "repair"
	GuardActionClear  = "clear"
)

// control actions.
const (
	ControlActionPause = "pause"
	ControlActionStop  = "stop"
)

// PaintBatch is the tile-grouped paint command dispatched to one worker.
// Coords and Colors are parallel lists in pattern order.
type PaintBatch struct {
	Type      string  `json:"type"`
	TileX     int     `json:"tileX"`
	TileY     int     `json:"tileY"`
	Coords    []Coord `json:"coords"`
	Colors    []int   `json:"colors"`
	RequestID string  `json:"requestId"`
	BatchSize int     `json:"batchSize"`
}

// BatchKey identifies a payload within a request by its tile and first
// coordinate: "tileX,tileY:firstX,firstY", or "tileX,tileY:empty" for an
// empty coordinate list.
func (p *PaintBatch) BatchKey() string {
	if len(p.Coords) == 0 {
		return fmt.Sprintf("%d,%d:empty", p.TileX, p.TileY)
	}
	c0 := p.Coords[0]
	return fmt.Sprintf("%d,%d:%d,%d", p.TileX, p.TileY, c0.X, c0.Y)
}

func (p *PaintBatch) Copy() *PaintBatch {
	if p == nil {
		return nil
	}
	np := *p
	np.Coords = append([]Coord(nil), p.Coords...)
	np.Colors = append([]int(nil), p.Colors...)
	return &np
}

// RepairOrder is the untracked bulk repair command used by the repair
// distribution endpoints.
type RepairOrder struct {
	Type         string  `json:"type"`
	Coords       []Coord `json:"coords"`
	Colors       []int   `json:"colors"`
	Source       string  `json:"source"`
	TotalRepairs int     `json:"total_repairs"`
}
