package supervisor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/types"
)

// runMonitorIteration performs the monitor loop's steps in the order the
// control plane relies on: reap dead consumers before starting
// replacements, so a scan never briefly has two live consumers racing for
// the same queue; stop consumers whose scan already left the active set
// before the watchdog gets a chance to act on them.
func (s *Supervisor) runMonitorIteration(ctx context.Context, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MonitorCycleDuration)

	s.reapDeadConsumers()
	s.startConsumersForActiveScans(ctx, logger)
	s.stopConsumersForInactiveScans(logger)
	s.runWatchdog(ctx, logger)

	s.mu.Lock()
	metrics.ActiveConsumers.Set(float64(len(s.consumers)))
	s.mu.Unlock()
}

// reapDeadConsumers drops tracked consumers whose goroutine has already
// exited (queue deleted by the consumer itself, or the channel died).
func (s *Supervisor) reapDeadConsumers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.consumers {
		if !c.alive() {
			delete(s.consumers, id)
		}
	}
}

// startConsumersForActiveScans starts a per-scan consumer for every scan
// in RUNNING or ABORT_REQUESTED that doesn't already have one tracked.
func (s *Supervisor) startConsumersForActiveScans(ctx context.Context, logger zerolog.Logger) {
	scans, err := s.Store.ListScansByStatus(types.ScanRunning, types.ScanAbortRequested)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active scans")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scan := range scans {
		if _, ok := s.consumers[scan.ID]; ok {
			continue
		}

		taskCtx, cancel := context.WithCancel(ctx)
		task := &consumerTask{
			scanID: scan.ID,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		task.touch()
		s.consumers[scan.ID] = task

		go s.runConsumer(taskCtx, task)
	}
}

// stopConsumersForInactiveScans cancels any tracked consumer whose scan is
// no longer in the active set (it reached a terminal state through some
// path other than this consumer, e.g. the fallback direct sink).
func (s *Supervisor) stopConsumersForInactiveScans(logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.consumers {
		scan, err := s.Store.GetScan(id)
		if err != nil || !scan.Status.Active() {
			c.cancel()
		}
	}
}

// runWatchdog promotes scans whose consumer has gone idle for longer than
// WatchdogIdleThreshold, on the assumption their terminal lifecycle
// message was lost in transit. It stops the stuck consumer, runs
// correlations itself, and sets the scan FINISHED directly rather than
// waiting on a message that will never arrive.
func (s *Supervisor) runWatchdog(ctx context.Context, logger zerolog.Logger) {
	type stale struct {
		scanID string
		task   *consumerTask
	}

	s.mu.Lock()
	var staleTasks []stale
	for id, c := range s.consumers {
		if c.idleSince() >= WatchdogIdleThreshold {
			// A scan that already left the active set keeps its terminal
			// status; its consumer was stopped by the previous step.
			if scan, err := s.Store.GetScan(id); err == nil && scan.Status.Active() {
				staleTasks = append(staleTasks, stale{scanID: id, task: c})
			}
		}
	}
	s.mu.Unlock()

	for _, st := range staleTasks {
		logger.Warn().Str("scan_id", st.scanID).Msg("consumer idle past threshold, promoting scan to finished")
		st.task.cancel()

		if err := s.Store.UpdateScanStatus(st.scanID, types.ScanFinished, true); err != nil {
			logger.Error().Err(err).Str("scan_id", st.scanID).Msg("watchdog failed to mark scan finished")
			continue
		}
		metrics.WatchdogPromotionsTotal.Inc()

		if s.Correlator != nil {
			s.Correlator.Run(ctx, st.scanID)
		}
	}
}
