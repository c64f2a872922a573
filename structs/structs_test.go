package structs

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/wplace-tools/guardmaster/ci"
)

func TestDecodeChange(t *testing.T) {
	ci.Parallel(t)
	ch, ok := DecodeChange(map[string]any{
		"x": float64(3), "y": float64(4), "type": "missing", "expectedColor": float64(7),
	})
	must.True(t, ok)
	must.Eq(t, Coord{X: 3, Y: 4}, ch.Coord())
	must.Eq(t, 7, ch.PaintColor())
	must.True(t, ch.Eligible())

	// Legacy color field.
	ch, ok = DecodeChange(map[string]any{"x": 1, "y": 1, "color": 5})
	must.True(t, ok)
	must.Eq(t, 5, ch.PaintColor())

	// Missing coordinates or negative values are rejected.
	_, ok = DecodeChange(map[string]any{"y": 1})
	must.False(t, ok)
	_, ok = DecodeChange(map[string]any{"x": -1, "y": 1})
	must.False(t, ok)
	_, ok = DecodeChange("not an object")
	must.False(t, ok)
}

func TestChange_Eligible(t *testing.T) {
	ci.Parallel(t)
	for typ, want := range map[string]bool{
		ChangeTypeMissing:   true,
		ChangeTypeAbsent:    true,
		ChangeTypeIncorrect: true,
		ChangeTypeCorrect:   false,
		"unknown":           false,
	} {
		ch := &Change{Type: typ}
		must.Eq(t, want, ch.Eligible(), must.Sprintf("type %s", typ))
	}
}

func TestPreviewIsDetailed(t *testing.T) {
	ci.Parallel(t)
	must.True(t, PreviewIsDetailed(map[string]any{
		"changes": []any{map[string]any{"x": 1, "y": 2}},
	}))

	// Counts-only summaries are not detailed.
	must.False(t, PreviewIsDetailed(map[string]any{"missingPixels": 4}))
	must.False(t, PreviewIsDetailed(map[string]any{"changes": []any{}}))
	must.False(t, PreviewIsDetailed(map[string]any{
		"changes": []any{map[string]any{"count": 3}},
	}))
	must.False(t, PreviewIsDetailed(nil))
}

func TestDecodePreview(t *testing.T) {
	ci.Parallel(t)
	p := DecodePreview(map[string]any{
		"changes": []any{
			map[string]any{"x": 1, "y": 2, "type": "missing"},
			map[string]any{"bogus": true},
		},
		"availableColors": []any{
			map[string]any{"id": 4, "r": 10, "g": 20, "b": 30},
			map[string]any{"r": 1, "g": 2, "b": 3},
		},
	})
	must.Len(t, 1, p.Changes)
	must.Len(t, 2, p.AvailableColors)
	must.Eq(t, 4, p.AvailableColors[0].ID)
	// Entries without an id default to the list index.
	must.Eq(t, 1, p.AvailableColors[1].ID)

	must.Len(t, 0, DecodePreview(nil).Changes)
	must.Len(t, 0, DecodePreview("junk").Changes)
}

func TestSlave_RemainingCharges(t *testing.T) {
	ci.Parallel(t)
	s := &Slave{Telemetry: map[string]any{"remaining_charges": float64(12.0)}}
	must.Eq(t, 12, s.RemainingCharges())

	s.Telemetry["remaining_charges"] = "30"
	must.Eq(t, 30, s.RemainingCharges())

	s.Telemetry["remaining_charges"] = float64(-4)
	must.Eq(t, 0, s.RemainingCharges())

	s.Telemetry["remaining_charges"] = "garbage"
	must.Eq(t, 0, s.RemainingCharges())

	delete(s.Telemetry, "remaining_charges")
	must.Eq(t, 0, s.RemainingCharges())
	must.Eq(t, 0, (*Slave)(nil).RemainingCharges())
}

func TestSlave_Copy(t *testing.T) {
	ci.Parallel(t)
	s := &Slave{ID: "a", Telemetry: map[string]any{"k": "v"}}
	cp := s.Copy()
	cp.Telemetry["k"] = "mutated"
	must.Eq(t, "v", s.Telemetry["k"])
}

func TestPaintBatch_BatchKey(t *testing.T) {
	ci.Parallel(t)
	pb := &PaintBatch{TileX: 2, TileY: 3, Coords: []Coord{{X: 2100, Y: 3200}}}
	must.Eq(t, "2,3:2100,3200", pb.BatchKey())

	empty := &PaintBatch{TileX: 1, TileY: 1}
	must.Eq(t, "1,1:empty", empty.BatchKey())
}
