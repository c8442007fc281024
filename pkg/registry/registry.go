// Package registry implements the worker fleet's heartbeat endpoint and
// the background sweep that ages out silent workers.
package registry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

const (
	// OfflineAfter is how long a worker can go without a heartbeat before
	// the sweep marks it offline.
	OfflineAfter = 60 * time.Second
	// SweepInterval is how often the sweep runs.
	SweepInterval = 2 * time.Minute
)

// Handler returns the HTTP handler for POST /workers/heartbeat. Workers
// are stateless: a heartbeat for an unknown worker_id simply creates the
// row, so a worker deleted mid-run re-registers on its next beat.
func Handler(store storage.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req types.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.WorkerID == "" {
			req.WorkerID = uuid.NewString()
		}

		now := time.Now()
		worker := &types.Worker{
			ID:          req.WorkerID,
			Name:        req.Name,
			Host:        req.Host,
			QueueType:   types.QueueType(req.QueueType),
			Status:      types.WorkerStatus(req.Status),
			CurrentScan: req.CurrentScan,
			LastSeen:    now,
			Registered:  now,
		}
		if existing, err := store.GetWorker(req.WorkerID); err == nil {
			worker.Registered = existing.Registered
		}

		if err := store.UpsertWorker(worker); err != nil {
			log.WithComponent("registry").Error().Err(err).Str("worker_id", req.WorkerID).Msg("failed to upsert worker heartbeat")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Sweeper periodically marks silent workers offline and deletes ones that
// have stayed offline past CleanupTimeout.
type Sweeper struct {
	Store          storage.Store
	CleanupTimeout time.Duration
}

// Run blocks, sweeping every SweepInterval until done is closed.
func (s *Sweeper) Run(done <-chan struct{}) {
	logger := log.WithComponent("registry-sweeper")
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sweep(logger)
		}
	}
}

// sweep marks workers idle past OfflineAfter as offline, and deletes
// workers that have been offline for longer than CleanupTimeout. Heartbeats
// are the only upsert path; this is the only deleter.
func (s *Sweeper) sweep(logger zerolog.Logger) {
	cleanupTimeout := s.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = 300 * time.Second
	}

	workers, err := s.Store.ListWorkers()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list workers for sweep")
		return
	}

	now := time.Now()
	counts := make(map[string]map[string]int)

	for _, w := range workers {
		silence := now.Sub(w.LastSeen)

		if w.Status != types.WorkerOffline && silence > OfflineAfter {
			w.Status = types.WorkerOffline
			if err := s.Store.UpsertWorker(w); err != nil {
				logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to mark worker offline")
			}
		}

		if w.Status == types.WorkerOffline && silence > cleanupTimeout {
			if err := s.Store.DeleteWorker(w.ID); err != nil {
				logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to delete stale worker")
			}
			continue
		}

		queue := string(w.QueueType)
		if counts[queue] == nil {
			counts[queue] = make(map[string]int)
		}
		counts[queue][string(w.Status)]++
	}

	for queue, byStatus := range counts {
		for status, n := range byStatus {
			metrics.WorkersTotal.WithLabelValues(queue, status).Set(float64(n))
		}
	}
}
