package orchestrator

import (
	"context"

	"github.com/wplace-tools/guardmaster/structs"
)

// refreshPreview asks the favorite for a fresh canvas check and waits a
// bounded time for a newer preview report. The caller reads whatever preview
// is stored afterwards; a worker that never answers just leaves the old one.
func (o *Orchestrator) refreshPreview(ctx context.Context, favID string) {
	if favID == "" {
		return
	}

	oldTS, _ := o.fleet.PreviewReportedAt(favID)
	o.sendOrLog(favID, map[string]any{
		"type":   structs.MsgTypeGuardControl,
		"action": structs.GuardActionCheck,
	})

	for i := 0; i < o.previewPollAttempts; i++ {
		if !sleepCtx(ctx, o.previewPollInterval) {
			return
		}
		if ts, ok := o.fleet.PreviewReportedAt(favID); ok && ts.After(oldTS) {
			return
		}
	}
}
