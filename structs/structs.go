// Package structs holds the core domain types shared by the master: slave
// records, pixel changes, previews, projects and sessions. It is dependency
// free with respect to the rest of the module so that transports and the
// orchestrator can both import it without cycles.
package structs

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

const (
	SlaveStatusIdle    = "idle"
	SlaveStatusWorking = "working"
	SlaveStatusError   = "error"
)

const (
	SessionStatusCreated = "created"
	SessionStatusRunning = "running"
	SessionStatusPaused  = "paused"
	SessionStatusStopped = "stopped"
)

const (
	ProjectModeImage = "Image"
	ProjectModeGuard = "Guard"
)

// Change classification reported by the favorite's differ. Only missing,
// absent and incorrect changes are eligible for repair; missing and incorrect
// rank equally when prioritising.
const (
	ChangeTypeMissing   = "missing"
	ChangeTypeAbsent    = "absent"
	ChangeTypeIncorrect = "incorrect"
	ChangeTypeCorrect   = "correct"
)

var (
	ErrSlaveNotFound   = errors.New("slave not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoValidSlaves   = errors.New("no valid slaves in session")
	ErrNoFavorite      = errors.New("no favorite slave connected")
)

// Coord is an absolute canvas coordinate.
type Coord struct {
	X int `json:"x" mapstructure:"x"`
	Y int `json:"y" mapstructure:"y"`
}

// Key returns the decimal "x,y" form used by the lockout map.
func (c Coord) Key() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Change describes one pixel diff between the canvas and the reference.
// ExpectedColor may arrive under the legacy "color" field; both are kept as
// pointers so a missing field is distinguishable from color id 0.
type Change struct {
	X             int    `json:"x" mapstructure:"x"`
	Y             int    `json:"y" mapstructure:"y"`
	Type          string `json:"type" mapstructure:"type"`
	ExpectedColor *int   `json:"expectedColor,omitempty" mapstructure:"expectedColor"`
	Color         *int   `json:"color,omitempty" mapstructure:"color"`
}

// PaintColor resolves the color to paint: expectedColor, then the legacy
// color field, then 0.
func (c *Change) PaintColor() int {
	if c.ExpectedColor != nil {
		return *c.ExpectedColor
	}
	if c.Color != nil {
		return *c.Color
	}
	return 0
}

func (c *Change) Coord() Coord {
	return Coord{X: c.X, Y: c.Y}
}

// Eligible reports whether this change type is repairable.
func (c *Change) Eligible() bool {
	switch c.Type {
	case ChangeTypeMissing, ChangeTypeAbsent, ChangeTypeIncorrect:
		return true
	}
	return false
}

func (c *Change) Copy() *Change {
	if c == nil {
		return nil
	}
	nc := *c
	if c.ExpectedColor != nil {
		v := *c.ExpectedColor
		nc.ExpectedColor = &v
	}
	if c.Color != nil {
		v := *c.Color
		nc.Color = &v
	}
	return &nc
}

// DecodeChange converts a loose JSON object into a Change. Entries without
// both x and y keys, or with coordinates that cannot be coerced to integers,
// are rejected rather than guessed at.
func DecodeChange(raw any) (*Change, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := m["x"]; !ok {
		return nil, false
	}
	if _, ok := m["y"]; !ok {
		return nil, false
	}
	var ch Change
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &ch,
	})
	if err != nil {
		return nil, false
	}
	if err := dec.Decode(m); err != nil {
		return nil, false
	}
	if ch.X < 0 || ch.Y < 0 {
		return nil, false
	}
	return &ch, true
}

// ColorEntry is one palette color reported by a worker or a guard upload.
type ColorEntry struct {
	ID int `json:"id" mapstructure:"id"`
	R  int `json:"r" mapstructure:"r"`
	G  int `json:"g" mapstructure:"g"`
	B  int `json:"b" mapstructure:"b"`
}

// Preview is the favorite's last reported differential.
type Preview struct {
	Changes         []*Change
	AvailableColors []ColorEntry
}

// DecodePreview converts the raw preview_data telemetry value into a typed
// Preview, dropping malformed change entries. A nil or non-object value
// yields an empty preview.
func DecodePreview(raw any) *Preview {
	p := &Preview{}
	m, ok := raw.(map[string]any)
	if !ok {
		return p
	}
	if list, ok := m["changes"].([]any); ok {
		for _, item := range list {
			if ch, ok := DecodeChange(item); ok {
				p.Changes = append(p.Changes, ch)
			}
		}
	}
	if list, ok := m["availableColors"].([]any); ok {
		p.AvailableColors = NormalizeColors(list)
	}
	return p
}

// PreviewIsDetailed reports whether a raw preview carries per-pixel changes:
// a non-empty change list whose first element has an x coordinate. Summary
// previews (counts only) are not detailed and must not overwrite a detailed
// one.
func PreviewIsDetailed(raw any) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	list, ok := m["changes"].([]any)
	if !ok || len(list) == 0 {
		return false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return false
	}
	_, ok = first["x"]
	return ok
}

// NormalizeColors coerces a loose palette list into ColorEntry values,
// defaulting the id to the list index.
func NormalizeColors(list []any) []ColorEntry {
	out := make([]ColorEntry, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := ColorEntry{ID: i}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &entry,
		})
		if err != nil || dec.Decode(m) != nil {
			continue
		}
		if _, has := m["id"]; !has {
			entry.ID = i
		}
		out = append(out, entry)
	}
	return out
}

// Slave is the record for one connected worker. The telemetry bag is
// heterogeneous JSON; the typed accessors below are the only views the
// orchestrator relies on.
type Slave struct {
	ID          string         `json:"id"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
	Status      string         `json:"status"`
	Mode        string         `json:"mode,omitempty"`
	Telemetry   map[string]any `json:"telemetry"`
	IsFavorite  bool           `json:"is_favorite"`
}

// RemainingCharges reads the worker's paint credits from its telemetry bag,
// defaulting to 0 on a missing or malformed entry and clamping negatives.
func (s *Slave) RemainingCharges() int {
	if s == nil || s.Telemetry == nil {
		return 0
	}
	raw, ok := s.Telemetry["remaining_charges"]
	if !ok {
		return 0
	}
	var n int
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &n,
	})
	if err != nil || dec.Decode(raw) != nil {
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}

// RawPreview returns the stored preview_data value, or nil.
func (s *Slave) RawPreview() any {
	if s == nil || s.Telemetry == nil {
		return nil
	}
	return s.Telemetry["preview_data"]
}

// Preview decodes the stored preview_data into a typed Preview.
func (s *Slave) Preview() *Preview {
	return DecodePreview(s.RawPreview())
}

func (s *Slave) Copy() *Slave {
	if s == nil {
		return nil
	}
	ns := *s
	if s.Telemetry != nil {
		ns.Telemetry = make(map[string]any, len(s.Telemetry))
		for k, v := range s.Telemetry {
			ns.Telemetry[k] = v
		}
	}
	return &ns
}

// Project is immutable after creation.
type Project struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Mode      string           `json:"mode"`
	Config    map[string]any   `json:"config"`
	Chunks    []map[string]any `json:"chunks,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Session binds a project to a set of slaves plus a distribution strategy.
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	SlaveIDs  []string  `json:"slave_ids"`
	Strategy  string    `json:"strategy"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	ns := *s
	ns.SlaveIDs = append([]string(nil), s.SlaveIDs...)
	return &ns
}

// GuardUpload is the last uploaded guard reference data, kept in memory so
// it can be re-pushed to a newly elected favorite.
type GuardUpload struct {
	Filename string         `json:"filename"`
	Data     map[string]any `json:"data"`
	StoredAt time.Time      `json:"stored_at"`
}
