package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/scanmesh/pkg/broker"
	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/localstore"
	"github.com/cuemby/scanmesh/pkg/types"
)

// brokerSink implements engine.Sink by publishing every result as a
// ResultMessage on the per-scan result queue. It is the only sink the
// worker runtime uses: tasks always arrive through the broker, so their
// results always go back through it too.
type brokerSink struct {
	ctx    context.Context
	broker *broker.Broker
	scanID string
}

var _ engine.Sink = (*brokerSink)(nil)

func (s *brokerSink) PublishEvent(event types.Event) error {
	return s.publish(types.ResultMessage{ScanID: s.scanID, Event: &event})
}

func (s *brokerSink) PublishLog(rec types.LogRecord) error {
	return s.publish(types.ResultMessage{ScanID: s.scanID, Log: &rec})
}

func (s *brokerSink) PublishLifecycle(lifecycle types.Lifecycle) error {
	return s.publish(types.ResultMessage{ScanID: s.scanID, Lifecycle: &lifecycle})
}

func (s *brokerSink) publish(msg types.ResultMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result message: %w", err)
	}
	return s.broker.PublishResult(s.ctx, s.scanID, body)
}

// localMirrorSink wraps any engine.Sink and mirrors every lifecycle message
// into the task-local store, which is how runTask tells a clean,
// engine-published finish from one it needs to paper over itself. This is
// kept independent of brokerSink so tests can wrap a fake inner sink
// instead of standing up a real broker connection.
type localMirrorSink struct {
	inner engine.Sink
	local *localstore.Store
}

var _ engine.Sink = (*localMirrorSink)(nil)

func (s *localMirrorSink) PublishEvent(event types.Event) error {
	return s.inner.PublishEvent(event)
}

func (s *localMirrorSink) PublishLog(rec types.LogRecord) error {
	return s.inner.PublishLog(rec)
}

func (s *localMirrorSink) PublishLifecycle(lifecycle types.Lifecycle) error {
	status := types.ScanFinished
	switch lifecycle {
	case types.LifecycleFailed:
		status = types.ScanErrorFailed
	case types.LifecycleAborted:
		status = types.ScanAborted
	}
	if err := s.local.SetStatus(status); err != nil {
		return fmt.Errorf("failed to record lifecycle in task-local store: %w", err)
	}
	return s.inner.PublishLifecycle(lifecycle)
}
