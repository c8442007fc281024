package supervisor

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/types"
)

// runConsumer owns one scan's result queue from declaration to deletion.
// It exits when ctx is canceled (scan left the active set, or the
// watchdog gave up on it), when a terminal lifecycle message arrives, or
// when the delivery channel itself closes out from under it. The per-scan
// queue is only deleted on the terminal-lifecycle path with the channel
// still open; any other exit leaves the queue for a future consumer to
// pick back up.
func (s *Supervisor) runConsumer(ctx context.Context, task *consumerTask) {
	defer close(task.done)

	logger := log.WithScanID(task.scanID)

	queueName, err := s.Broker.DeclareResultQueue(task.scanID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to declare result queue for consumer")
		return
	}

	deliveries, err := s.Broker.Consume(queueName)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start consuming result queue")
		return
	}

	lifecycleReceived := false
	channelOpen := true

	for channelOpen && !lifecycleReceived {
		select {
		case <-ctx.Done():
			channelOpen = false
		case delivery, ok := <-deliveries:
			if !ok {
				channelOpen = false
				break
			}
			task.touch()
			lifecycleReceived = s.handleDelivery(ctx, logger, task.scanID, delivery)
		}
	}

	if lifecycleReceived && channelOpen {
		if err := s.Broker.DeleteResultQueue(task.scanID); err != nil {
			logger.Warn().Err(err).Msg("failed to delete result queue after terminal lifecycle")
		}
	}
}

// handleDelivery dispatches one result message and reports whether it was
// a terminal lifecycle message (signaling the consumer loop to stop).
func (s *Supervisor) handleDelivery(ctx context.Context, logger zerolog.Logger, scanID string, delivery amqp.Delivery) bool {
	var msg types.ResultMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		logger.Warn().Err(err).Msg("malformed result message, discarding")
		_ = delivery.Nack(false, false)
		return false
	}

	switch msg.Classify() {
	case types.KindLog:
		if err := s.Store.InsertLog(scanID, *msg.Log); err != nil {
			logger.Error().Err(err).Msg("failed to persist log record, redelivering")
			_ = delivery.Nack(false, true)
			return false
		}
		_ = delivery.Ack(false)
		return false

	case types.KindEvent:
		if !msg.Event.Valid() {
			logger.Warn().Msg("event failed validation, discarding")
			metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
			_ = delivery.Nack(false, false)
			return false
		}
		inserted, err := s.Store.InsertEventIfAbsent(scanID, *msg.Event)
		if err != nil {
			logger.Error().Err(err).Msg("failed to persist event, redelivering")
			_ = delivery.Nack(false, true)
			return false
		}
		if inserted {
			metrics.EventsIngestedTotal.WithLabelValues("inserted").Inc()
		} else {
			metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		}
		_ = delivery.Ack(false)
		return false

	case types.KindLifecycle:
		status, ended := lifecycleStatus(*msg.Lifecycle)
		if err := s.Store.UpdateScanStatus(scanID, status, ended); err != nil {
			logger.Error().Err(err).Msg("failed to record terminal lifecycle, redelivering")
			_ = delivery.Nack(false, true)
			return false
		}
		_ = delivery.Ack(false)

		if status == types.ScanFinished && s.Correlator != nil {
			s.Correlator.Run(ctx, scanID)
		}
		return true

	default:
		logger.Warn().Msg("result message with zero or multiple payloads, discarding")
		_ = delivery.Nack(false, false)
		return false
	}
}

// lifecycleStatus maps a wire lifecycle value to the terminal scan status
// it represents.
func lifecycleStatus(l types.Lifecycle) (status types.ScanStatus, ended bool) {
	switch l {
	case types.LifecycleFinished:
		return types.ScanFinished, true
	case types.LifecycleAborted:
		return types.ScanAborted, true
	case types.LifecycleFailed:
		return types.ScanErrorFailed, true
	default:
		return types.ScanErrorFailed, true
	}
}
