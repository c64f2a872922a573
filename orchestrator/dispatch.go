package orchestrator

import (
	"context"
	"math/rand"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/wplace-tools/guardmaster/structs"
)

// TileSize is the canvas tile edge; payloads never span tiles.
const TileSize = 1000

type tileKey struct {
	tx, ty int
}

// buildTilePayloads groups one worker's queue into per-tile paint payloads,
// preserving the pattern order within each tile. Tiles come out in first-seen
// order so dispatch is deterministic for a given queue.
func buildTilePayloads(items []*structs.Change, requestID string) []*structs.PaintBatch {
	groups := make(map[tileKey]*structs.PaintBatch)
	var keys []tileKey

	for _, ch := range items {
		k := tileKey{tx: ch.X / TileSize, ty: ch.Y / TileSize}
		pb, ok := groups[k]
		if !ok {
			pb = &structs.PaintBatch{
				Type:      structs.MsgTypePaintBatch,
				TileX:     k.tx,
				TileY:     k.ty,
				RequestID: requestID,
			}
			groups[k] = pb
			keys = append(keys, k)
		}
		pb.Coords = append(pb.Coords, ch.Coord())
		pb.Colors = append(pb.Colors, ch.PaintColor())
	}

	out := make([]*structs.PaintBatch, 0, len(keys))
	for _, k := range keys {
		pb := groups[k]
		pb.BatchSize = len(pb.Coords)
		out = append(out, pb)
	}
	return out
}

// dispatchToSlave sends a worker its tile payloads serially. The first tile
// goes out immediately; later tiles wait a uniform random delay, the only
// admission control against upstream rate limits.
func (o *Orchestrator) dispatchToSlave(ctx context.Context, slaveID string, batches []*structs.PaintBatch) {
	for i, pb := range batches {
		if i > 0 {
			if !sleepCtx(ctx, o.paceDelay()) {
				return
			}
		}
		if err := o.fleet.SendToSlave(slaveID, pb); err != nil {
			o.logger.Warn("paint dispatch failed", "slave_id", slaveID,
				"tile_x", pb.TileX, "tile_y", pb.TileY, "error", err)
			continue
		}
		metrics.IncrCounter([]string{"guardmaster", "orchestrator", "dispatched"}, 1)
	}
}

func (o *Orchestrator) paceDelay() time.Duration {
	span := o.paceMax - o.paceMin
	if span <= 0 {
		return o.paceMin
	}
	return o.paceMin + time.Duration(rand.Int63n(int64(span)))
}
