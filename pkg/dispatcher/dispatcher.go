// Package dispatcher implements the task publisher: it turns a scan
// submission into a scan row plus a published task message, classifying
// the task onto the fast or slow queue and falling back to local
// execution when the broker is unavailable.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scanmesh/pkg/broker"
	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

// Outcome is submit's result, matching the three cases the spec enumerates.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeBrokerUnavail Outcome = "broker-unavailable"
	OutcomePublishFailed Outcome = "publish-failed"
)

// Request is a scan submission.
type Request struct {
	Name       string
	Target     string
	TargetType string
	ModuleList string
	APIURL     string
}

// Dispatcher classifies, records, and publishes scan tasks. When Broker is
// nil the dispatcher runs every submission through Fallback in-process
// instead of publishing.
type Dispatcher struct {
	Store       storage.Store
	Broker      *broker.Broker
	SlowModules map[string]bool
	APIURL      string
	Fallback    engine.Engine
}

// Submit classifies, records, and (if possible) publishes one scan.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (scanID string, outcome Outcome, err error) {
	timer := metrics.NewTimer()
	scanID = uuid.NewString()
	queueType := classify(req.ModuleList, d.SlowModules)

	apiURL := req.APIURL
	if apiURL == "" {
		apiURL = d.APIURL
	}

	scan := &types.Scan{
		ID:         scanID,
		Name:       req.Name,
		Target:     req.Target,
		TargetType: req.TargetType,
		ModuleList: req.ModuleList,
		Status:     types.ScanRunning,
		CreatedAt:  time.Now(),
		StartedAt:  time.Now(),
	}

	// The scan row is created before publish, in RUNNING, so the
	// supervisor can begin monitoring immediately and never races ahead
	// of a row that doesn't exist yet.
	if err := d.Store.WithLock(func() error {
		return d.Store.CreateScan(scan)
	}); err != nil {
		metrics.ScansDispatchedTotal.WithLabelValues(string(queueType), "store-error").Inc()
		return scanID, "", fmt.Errorf("failed to create scan row: %w", err)
	}

	if d.Broker == nil {
		outcome = OutcomeBrokerUnavail
		metrics.ScansDispatchedTotal.WithLabelValues(string(queueType), "fallback").Inc()
		timer.ObserveDuration(metrics.DispatchLatency)
		go d.runFallback(scan, queueType, apiURL)
		return scanID, outcome, nil
	}

	if _, err := d.Broker.DeclareResultQueue(scanID); err != nil {
		metrics.ScansDispatchedTotal.WithLabelValues(string(queueType), "publish-failed").Inc()
		return scanID, OutcomePublishFailed, fmt.Errorf("failed to pre-declare result queue: %w", err)
	}

	task := types.Task{
		ScanID:     scanID,
		ScanName:   req.Name,
		ScanTarget: req.Target,
		TargetType: req.TargetType,
		ModuleList: req.ModuleList,
		QueueType:  string(queueType),
		APIURL:     apiURL,
		ResultMode: string(types.ResultModeRabbitMQ),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return scanID, OutcomePublishFailed, fmt.Errorf("failed to marshal task: %w", err)
	}

	queueName := broker.QueueFast
	if queueType == types.QueueSlow {
		queueName = broker.QueueSlow
	}

	if err := d.Broker.PublishTask(ctx, queueName, body); err != nil {
		metrics.ScansDispatchedTotal.WithLabelValues(string(queueType), "publish-failed").Inc()
		timer.ObserveDuration(metrics.DispatchLatency)
		return scanID, OutcomePublishFailed, fmt.Errorf("failed to publish task: %w", err)
	}

	metrics.ScansDispatchedTotal.WithLabelValues(string(queueType), "ok").Inc()
	timer.ObserveDuration(metrics.DispatchLatency)
	return scanID, OutcomeOK, nil
}

// classify routes a task to the slow queue if any of its CSV module names
// appears in the configured slow set.
func classify(moduleList string, slowModules map[string]bool) types.QueueType {
	for _, m := range strings.Split(moduleList, ",") {
		if slowModules[strings.TrimSpace(m)] {
			return types.QueueSlow
		}
	}
	return types.QueueFast
}

// runFallback executes a scan in-process, storing results directly rather
// than through the broker, identical in task semantics to the broker path.
func (d *Dispatcher) runFallback(scan *types.Scan, queueType types.QueueType, apiURL string) {
	logger := log.WithScanID(scan.ID)
	if d.Fallback == nil {
		logger.Error().Msg("no fallback engine configured, marking scan failed")
		_ = d.Store.UpdateScanStatus(scan.ID, types.ScanErrorFailed, true)
		return
	}

	sink := &directSink{store: d.Store, scanID: scan.ID}
	task := types.Task{
		ScanID:     scan.ID,
		ScanName:   scan.Name,
		ScanTarget: scan.Target,
		TargetType: scan.TargetType,
		ModuleList: scan.ModuleList,
		QueueType:  string(queueType),
		APIURL:     apiURL,
		ResultMode: string(types.ResultModeDirect),
	}

	if err := d.Fallback.Run(context.Background(), task, sink); err != nil {
		logger.Error().Err(err).Msg("fallback engine run failed")
		_ = d.Store.UpdateScanStatus(scan.ID, types.ScanErrorFailed, true)
		return
	}
	if !sink.terminal {
		_ = d.Store.UpdateScanStatus(scan.ID, types.ScanFinished, true)
	}
}

// directSink implements engine.Sink by writing straight to the
// control-plane store, used only by the broker-unavailable fallback path.
type directSink struct {
	store    storage.Store
	scanID   string
	terminal bool
}

func (s *directSink) PublishEvent(event types.Event) error {
	_, err := s.store.InsertEventIfAbsent(s.scanID, event)
	return err
}

func (s *directSink) PublishLog(rec types.LogRecord) error {
	return s.store.InsertLog(s.scanID, rec)
}

func (s *directSink) PublishLifecycle(lifecycle types.Lifecycle) error {
	s.terminal = true
	status := types.ScanFinished
	switch lifecycle {
	case types.LifecycleFailed:
		status = types.ScanErrorFailed
	case types.LifecycleAborted:
		status = types.ScanAborted
	}
	return s.store.UpdateScanStatus(s.scanID, status, true)
}
