package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/types"
)

// fakeAcknowledger records Ack/Nack decisions without a live AMQP channel,
// the same testability pattern pkg/supervisor uses for handleDelivery.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func taskDelivery(t *testing.T, task types.Task, ack *fakeAcknowledger) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func TestHandleDeliveryMalformedBodyNacksWithoutRequeue(t *testing.T) {
	rt := &Runtime{Queue: types.QueueFast}
	ack := &fakeAcknowledger{}

	rt.handleDelivery(context.Background(), log.WithComponent("test"), amqp.Delivery{Acknowledger: ack, Body: []byte("not json")})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.False(t, ack.acked)
}

func TestHandleDeliveryFinishedScanAcks(t *testing.T) {
	sink := &recordingSink{}
	rt, _ := newTestRuntime(t, sink, &engine.FakeEngine{})
	ack := &fakeAcknowledger{}

	rt.handleDelivery(context.Background(), log.WithComponent("test"), taskDelivery(t, types.Task{ScanID: "scan-ok", ModuleList: "sfp_fake"}, ack))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestCurrentScanReflectsInFlightTask(t *testing.T) {
	sink := &recordingSink{}
	rt, _ := newTestRuntime(t, sink, &engine.FakeEngine{Delay: 200 * time.Millisecond})

	assert.Equal(t, "", rt.CurrentScan())

	done := make(chan AckDecision, 1)
	go func() { done <- rt.runTask(context.Background(), types.Task{ScanID: "scan-slow", ModuleList: "slow"}) }()

	require.Eventually(t, func() bool { return rt.CurrentScan() == "scan-slow" }, time.Second, 5*time.Millisecond)

	<-done
	assert.Equal(t, "", rt.CurrentScan())
}

func TestHandleDeliveryFailedScanNacksWithoutRequeue(t *testing.T) {
	sink := &recordingSink{}
	rt, _ := newTestRuntime(t, sink, &engine.FakeEngine{})
	ack := &fakeAcknowledger{}

	rt.handleDelivery(context.Background(), log.WithComponent("test"), taskDelivery(t, types.Task{ScanID: "scan-fail", ModuleList: "fail"}, ack))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.False(t, ack.acked)
}
