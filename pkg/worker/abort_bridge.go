package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/localstore"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

const abortBridgePollInterval = 3 * time.Second

// runAbortBridge polls the control-plane store for an abort request against
// scanID and relays it into the task's local store, which is the only
// thing the engine-driving goroutine actually watches. It never touches
// the control-plane store and the local store concurrently in a way that
// could race task startup: it retries opening the local store until the
// owning goroutine has created it.
//
// The bridge exits as soon as its write lands, or when ctx is canceled
// because the task itself already finished.
func runAbortBridge(ctx context.Context, store storage.Store, dataPath, scanID string) {
	logger := log.WithScanID(scanID)
	ticker := time.NewTicker(abortBridgePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan, err := store.GetScan(scanID)
			if err != nil {
				// Scan row gone entirely: treat as an abort request too,
				// there is nothing left to report status back to.
				if writeAbort(logger, dataPath, scanID) {
					return
				}
				continue
			}
			if scan.Status == types.ScanAbortRequested {
				if writeAbort(logger, dataPath, scanID) {
					return
				}
			}
		}
	}
}

func writeAbort(logger zerolog.Logger, dataPath, scanID string) bool {
	if !localstore.Exists(dataPath, scanID) {
		return false
	}
	ls, err := localstore.OpenExisting(dataPath, scanID)
	if err != nil {
		logger.Warn().Err(err).Msg("abort bridge failed to open task-local store")
		return false
	}
	defer ls.Close()

	if err := ls.RequestAbort(); err != nil {
		logger.Warn().Err(err).Msg("abort bridge failed to write abort flag")
		return false
	}
	return true
}
