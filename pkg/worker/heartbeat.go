package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/types"
)

// HeartbeatInterval is how often a worker posts to the registry. Well
// under registry.OfflineAfter (60s) so a single missed beat never flaps a
// worker's status.
const HeartbeatInterval = 20 * time.Second

// Heartbeater periodically posts this worker's identity and status to the
// control plane's registry endpoint.
type Heartbeater struct {
	URL       string
	WorkerID  string
	Name      string
	QueueType types.QueueType

	// CurrentScan reports the scan ID this worker is currently executing,
	// or "" when idle; typically Runtime.CurrentScan. Nil is tolerated
	// and reports idle unconditionally.
	CurrentScan func() string

	client http.Client
}

// Run posts a heartbeat immediately, then every HeartbeatInterval until ctx
// is canceled. Failures are logged and otherwise ignored: a worker that
// can't reach the registry simply ages out and reappears on its next
// successful beat.
func (h *Heartbeater) Run(ctx context.Context) {
	logger := log.WithWorkerID(h.WorkerID)
	h.client.Timeout = 5 * time.Second

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	h.beat(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx, logger)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context, logger zerolog.Logger) {
	var currentScan string
	if h.CurrentScan != nil {
		currentScan = h.CurrentScan()
	}
	status := types.WorkerIdle
	if currentScan != "" {
		status = types.WorkerBusy
	}

	body, err := json.Marshal(types.HeartbeatRequest{
		WorkerID:    h.WorkerID,
		Name:        h.Name,
		Host:        hostname(),
		QueueType:   string(h.QueueType),
		Status:      string(status),
		CurrentScan: currentScan,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal heartbeat body")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		logger.Error().Err(err).Msg("failed to build heartbeat request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("heartbeat request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		logger.Warn().Int("status", resp.StatusCode).Msg("heartbeat rejected by registry")
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
