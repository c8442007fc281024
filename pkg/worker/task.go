package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/localstore"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/types"
)

const localAbortPollInterval = 2 * time.Second

// runTask drives one scan end-to-end: it isolates the task in its own
// local store, runs the engine against it, watches for a cooperative abort
// request, and always publishes a terminal lifecycle message even when the
// engine itself fails to publish one. Its return value is the ack decision
// handleDelivery applies to the originating broker delivery.
func (r *Runtime) runTask(parent context.Context, task types.Task) AckDecision {
	logger := log.WithScanID(task.ScanID)
	timer := metrics.NewTimer()

	r.activeScans.Store(task.ScanID, struct{}{})
	defer r.activeScans.Delete(task.ScanID)

	ls, err := localstore.Open(r.DataPath, task.ScanID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open task-local store, cannot run scan")
		return AckRejectNoRequeue
	}
	defer ls.Delete()

	if err := ls.SetStatus(types.ScanRunning); err != nil {
		logger.Warn().Err(err).Msg("failed to record initial task-local status")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	bridgeCtx, bridgeCancel := context.WithCancel(parent)
	defer bridgeCancel()
	go runAbortBridge(bridgeCtx, r.Store, r.DataPath, task.ScanID)

	go watchLocalAbort(ctx, cancel, ls)

	sink := &localMirrorSink{inner: r.newResultSink(parent, task.ScanID), local: ls}

	runErr := r.Engine.Run(ctx, task, sink)
	metrics.ScanExecutionDuration.Observe(timer.Duration().Seconds())

	finalStatus, _ := ls.Status()
	return publishFinalLifecycle(logger, sink, ctx, runErr, finalStatus)
}

// newResultSink builds the sink results are published through. Tests
// override this via Runtime.ResultSinkFactory to avoid a real broker.
func (r *Runtime) newResultSink(ctx context.Context, scanID string) engine.Sink {
	if r.ResultSinkFactory != nil {
		return r.ResultSinkFactory(ctx, scanID)
	}
	return &brokerSink{ctx: ctx, broker: r.Broker, scanID: scanID}
}

// watchLocalAbort cancels ctx once the task-local store records an abort
// request, which is how the abort bridge's relayed signal actually reaches
// the engine.
func watchLocalAbort(ctx context.Context, cancel context.CancelFunc, ls *localstore.Store) {
	ticker := time.NewTicker(localAbortPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := ls.AbortRequested()
			if err == nil && requested {
				cancel()
				return
			}
		}
	}
}

// publishFinalLifecycle ensures exactly one terminal lifecycle message
// reaches the supervisor, and returns the ack decision that follows from
// it. The engine is expected to have already published FINISHED itself on
// a clean run; this fills in for every other case — the engine never
// publishes FAILED or ABORTED itself (§4.3: only the worker runtime does,
// by inspecting the task-local store and Run's return value). It trusts
// the task-local status (mirrored by localMirrorSink on every lifecycle
// publish) over the engine's return value, since an aborted engine may
// return a context-canceled error indistinguishable from a real failure.
func publishFinalLifecycle(logger zerolog.Logger, sink engine.Sink, ctx context.Context, runErr error, finalStatus types.ScanStatus) AckDecision {
	if finalStatus.Terminal() {
		// The engine already published FINISHED (localMirrorSink recorded
		// it in the task-local store), nothing left to do.
		return AckAccept
	}

	var lifecycle types.Lifecycle
	var decision AckDecision
	switch {
	case ctx.Err() != nil:
		lifecycle = types.LifecycleAborted
		decision = AckAccept
	case runErr != nil:
		logger.Error().Err(runErr).Msg("scan engine run failed")
		lifecycle = types.LifecycleFailed
		decision = AckRejectNoRequeue
	default:
		// Engine returned cleanly without publishing FINISHED itself;
		// treat as a successful, if sloppy, completion.
		lifecycle = types.LifecycleFinished
		decision = AckAccept
	}

	if err := sink.PublishLifecycle(lifecycle); err != nil {
		logger.Error().Err(err).Str("lifecycle", string(lifecycle)).Msg("failed to publish terminal lifecycle")
	}
	return decision
}
