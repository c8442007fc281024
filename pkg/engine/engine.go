// Package engine defines the boundary between the worker runtime and the
// actual scan engine that performs reconnaissance against a target. The
// engine is treated as a black box: the worker feeds it a task and a sink
// to publish results to, and watches the task-local store for a status the
// engine wrote, rather than trusting a return value alone (the engine may
// be a long-lived external process the worker only supervises).
package engine

import (
	"context"

	"github.com/cuemby/scanmesh/pkg/types"
)

// Sink is how an engine run emits results back toward the control plane.
// Implementations publish to the broker (normal path) or write directly to
// the control-plane store (broker-unavailable fallback path).
type Sink interface {
	PublishEvent(event types.Event) error
	PublishLog(rec types.LogRecord) error
	PublishLifecycle(lifecycle types.Lifecycle) error
}

// Engine runs one scan task to completion. Implementations must respect
// ctx cancellation promptly: the worker cancels ctx when the task-local
// store records an abort request.
//
// Run does not return the outcome directly; the caller determines the
// final status from what Run published via Sink (or, if the engine
// crashed without publishing a lifecycle message, treats that as a
// failure). This mirrors the watcher role the worker plays over a scan
// engine it does not fully control.
type Engine interface {
	Run(ctx context.Context, task types.Task, sink Sink) error
}
