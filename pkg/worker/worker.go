// Package worker implements the worker runtime: it consumes scan tasks
// from one of the two broker queues, runs each one against the scan
// engine in its own isolated goroutine and task-local store, and forwards
// every event, log line and lifecycle transition back through the broker.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/broker"
	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

// AckDecision is what handleDelivery does with a task delivery once the
// scan it describes has run to completion (or failed to start at all).
type AckDecision int

const (
	// AckAccept acks the delivery: the scan reached a terminal status the
	// broker should not redeliver for (FINISHED or ABORTED).
	AckAccept AckDecision = iota
	// AckRejectNoRequeue nacks the delivery without requeue: the scan
	// engine raised, or the task could never be started, per spec §7's
	// "Scan engine exception -> Worker publishes FAILED, nack-without-requeue".
	AckRejectNoRequeue
)

// Runtime is one worker process's task-consuming loop.
type Runtime struct {
	Store       storage.Store
	Broker      *broker.Broker
	Engine      engine.Engine
	DataPath    string
	Queue       types.QueueType
	Concurrency int // bounded number of scans this worker runs at once; default 1

	// ResultSinkFactory overrides how runTask builds its result sink;
	// nil means the real broker-backed sink. Tests set this to avoid a
	// live broker connection.
	ResultSinkFactory func(ctx context.Context, scanID string) engine.Sink

	wg          sync.WaitGroup
	activeScans sync.Map // scanID -> struct{}, scans currently executing
}

// CurrentScan returns the ID of one scan currently executing on this
// worker, or "" if the worker is idle. With Concurrency > 1 this reports an
// arbitrary one of the in-flight scans, matching the heartbeat's role as a
// best-effort liveness signal rather than a precise work inventory.
func (r *Runtime) CurrentScan() string {
	var scanID string
	r.activeScans.Range(func(key, _ any) bool {
		scanID = key.(string)
		return false
	})
	return scanID
}

// queueName maps a logical queue type to its physical broker queue.
func (r *Runtime) queueName() string {
	if r.Queue == types.QueueSlow {
		return broker.QueueSlow
	}
	return broker.QueueFast
}

// Run consumes tasks until ctx is canceled or the delivery channel closes.
// Concurrency is enforced with a simple counting semaphore; the broker
// channel's prefetch (set to Concurrency here, before consuming) keeps
// unacked deliveries bounded the same way.
func (r *Runtime) Run(ctx context.Context) error {
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	logger := log.WithComponent("worker").With().Str("queue", string(r.Queue)).Logger()

	if err := r.Broker.Channel().Qos(r.Concurrency, 0, false); err != nil {
		return err
	}

	deliveries, err := r.Broker.Consume(r.queueName())
	if err != nil {
		return err
	}

	sem := make(chan struct{}, r.Concurrency)

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				r.wg.Wait()
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r.wg.Wait()
				return ctx.Err()
			}
			r.wg.Add(1)
			go func(delivery amqp.Delivery) {
				defer r.wg.Done()
				defer func() { <-sem }()
				r.handleDelivery(ctx, logger, delivery)
			}(d)
		}
	}
}

func (r *Runtime) handleDelivery(ctx context.Context, logger zerolog.Logger, delivery amqp.Delivery) {
	var task types.Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		logger.Error().Err(err).Msg("dropping malformed task delivery")
		metrics.TasksConsumedTotal.WithLabelValues(string(r.Queue), "nack-malformed").Inc()
		_ = delivery.Nack(false, false)
		return
	}

	metrics.TasksConsumedTotal.WithLabelValues(string(r.Queue), "accepted").Inc()
	switch r.runTask(ctx, task) {
	case AckAccept:
		metrics.TasksConsumedTotal.WithLabelValues(string(r.Queue), "ack").Inc()
		_ = delivery.Ack(false)
	default:
		metrics.TasksConsumedTotal.WithLabelValues(string(r.Queue), "nack-failed").Inc()
		_ = delivery.Nack(false, false)
	}
}
