package agent

import (
	"net/http"
	"time"

	"github.com/wplace-tools/guardmaster/structs"
)

// RepairOrdersBody carries explicit repair pixels from an external analysis.
type RepairOrdersBody struct {
	Pixels    []map[string]any `json:"pixels"`
	Source    string           `json:"source"`
	Timestamp int64            `json:"timestamp"`
}

// RepairOrdersRequest splits explicit repair pixels evenly across all
// connected workers, high priority first, skipping recently repaired ones.
func (s *HTTPServer) RepairOrdersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var body RepairOrdersBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if len(body.Pixels) == 0 {
		return map[string]any{"ok": true, "message": "no pixels to repair", "distributed": 0}, nil
	}

	slaveIDs := s.agent.registry.IDs()
	if len(slaveIDs) == 0 {
		return nil, CodedError(http.StatusBadRequest, "no available slaves for repair work")
	}

	lock := s.agent.orch.Lockout()
	var high, medium, low []*structs.Change
	for _, raw := range body.Pixels {
		ch, ok := structs.DecodeChange(raw)
		if !ok || lock.IsLocked(ch.Coord()) {
			continue
		}
		switch raw["priority"] {
		case "high":
			high = append(high, ch)
		case "medium":
			medium = append(medium, ch)
		default:
			low = append(low, ch)
		}
	}
	sorted := append(append(high, medium...), low...)

	// Even split: the first len%n workers take one extra pixel.
	base := len(sorted) / len(slaveIDs)
	remainder := len(sorted) % len(slaveIDs)

	distributed := 0
	start := 0
	for i, id := range slaveIDs {
		count := base
		if i < remainder {
			count++
		}
		if count == 0 {
			continue
		}
		part := sorted[start : start+count]
		start += count

		if err := s.sendRepairOrder(id, part, body.Source); err != nil {
			continue
		}
		distributed += len(part)
	}

	return map[string]any{
		"ok":          true,
		"distributed": distributed,
		"slaves_used": len(slaveIDs),
	}, nil
}

// RepairDistributeRequest turns the favorite's current analysis into repair
// orders spread round-robin over all connected workers.
func (s *HTTPServer) RepairDistributeRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	fav, err := s.agent.registry.Favorite()
	if err != nil {
		return nil, CodedError(http.StatusNotFound, "no favorite slave found")
	}
	raw := fav.RawPreview()
	if raw == nil {
		return nil, CodedError(http.StatusBadRequest, "no analysis data available from favorite slave")
	}

	// A summary-only preview is useless here: force a check and wait a
	// short bounded time for a detailed one.
	if !structs.PreviewIsDetailed(raw) {
		raw = s.awaitDetailedPreview(fav.ID, raw)
	}
	if !structs.PreviewIsDetailed(raw) {
		return map[string]any{
			"ok":          true,
			"message":     "no detailed changes available for repair (try again)",
			"distributed": 0,
		}, nil
	}

	cfg := s.agent.GuardConfig()
	preview := structs.DecodePreview(raw)
	excluded := cfg.ExcludedSet()
	lock := s.agent.orch.Lockout()

	var eligible []*structs.Change
	for _, ch := range preview.Changes {
		if excluded.Contains(ch.PaintColor()) || lock.IsLocked(ch.Coord()) {
			continue
		}
		eligible = append(eligible, ch)
	}
	eligible = sortByRepairPriority(eligible, cfg)

	if len(eligible) == 0 {
		return map[string]any{
			"ok":          true,
			"message":     "no eligible pixels to repair after filters",
			"distributed": 0,
		}, nil
	}

	slaveIDs := s.agent.registry.IDs()
	if len(slaveIDs) == 0 {
		return nil, CodedError(http.StatusBadRequest, "no available slaves for repair work")
	}

	buckets := make(map[string][]*structs.Change, len(slaveIDs))
	for i, ch := range eligible {
		id := slaveIDs[i%len(slaveIDs)]
		buckets[id] = append(buckets[id], ch)
	}

	distributed := 0
	for _, id := range slaveIDs {
		part := buckets[id]
		if len(part) == 0 {
			continue
		}
		if err := s.sendRepairOrder(id, part, "guard_analysis"); err != nil {
			continue
		}
		distributed += len(part)
	}

	return map[string]any{
		"ok":          true,
		"distributed": distributed,
		"slaves_used": len(slaveIDs),
	}, nil
}

// awaitDetailedPreview pushes a check to the favorite and polls briefly for
// a detailed preview, returning whatever is stored at the end.
func (s *HTTPServer) awaitDetailedPreview(favID string, fallback any) any {
	oldTS, _ := s.agent.registry.PreviewReportedAt(favID)
	if err := s.agent.registry.SendToSlave(favID, map[string]any{
		"type":   structs.MsgTypeGuardControl,
		"action": structs.GuardActionCheck,
	}); err != nil {
		return fallback
	}

	for i := 0; i < 10; i++ {
		time.Sleep(300 * time.Millisecond)
		if ts, ok := s.agent.registry.PreviewReportedAt(favID); ok && ts.After(oldTS) {
			break
		}
	}
	fav, err := s.agent.registry.Slave(favID)
	if err != nil {
		return fallback
	}
	if raw := fav.RawPreview(); raw != nil {
		return raw
	}
	return fallback
}

func (s *HTTPServer) sendRepairOrder(slaveID string, changes []*structs.Change, source string) error {
	coords := make([]structs.Coord, len(changes))
	colors := make([]int, len(changes))
	for i, ch := range changes {
		coords[i] = ch.Coord()
		colors[i] = ch.PaintColor()
	}

	err := s.agent.registry.SendToSlave(slaveID, &structs.RepairOrder{
		Type:         structs.MsgTypeRepairOrder,
		Coords:       coords,
		Colors:       colors,
		Source:       source,
		TotalRepairs: len(changes),
	})
	if err != nil {
		s.logger.Error("failed to send repair order", "slave_id", slaveID, "error", err)
		return err
	}
	s.logger.Info("repair order sent", "slave_id", slaveID, "pixels", len(changes), "source", source)
	return nil
}

// sortByRepairPriority orders changes so missing/incorrect lead and, within
// each bucket, preferred colors come first.
func sortByRepairPriority(changes []*structs.Change, cfg *structs.GuardConfig) []*structs.Change {
	preferred := cfg.PreferredSet()
	var first, second, third, fourth []*structs.Change
	for _, ch := range changes {
		urgent := ch.Type == structs.ChangeTypeMissing || ch.Type == structs.ChangeTypeIncorrect
		pref := preferred.Contains(ch.PaintColor())
		switch {
		case urgent && pref:
			first = append(first, ch)
		case urgent:
			second = append(second, ch)
		case pref:
			third = append(third, ch)
		default:
			fourth = append(fourth, ch)
		}
	}
	out := append(first, second...)
	out = append(out, third...)
	return append(out, fourth...)
}
