package supervisor

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeAcknowledger records Ack/Nack decisions without a live AMQP channel.
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

func delivery(body string, ack *fakeAcknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
}

func TestHandleDeliveryMalformedBodyNacksWithoutRequeue(t *testing.T) {
	s := &Supervisor{Store: newTestStore(t)}
	ack := &fakeAcknowledger{}

	terminal := s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-1", delivery("not json", ack))

	assert.False(t, terminal)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestHandleDeliveryEventInsertedThenDuplicateAcksBoth(t *testing.T) {
	store := newTestStore(t)
	s := &Supervisor{Store: store}
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-2", Status: types.ScanRunning}))

	body := `{"scan_id":"scan-2","event":{"hash":"h1","confidence":10,"visibility":10,"risk":10}}`

	ack1 := &fakeAcknowledger{}
	terminal := s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-2", delivery(body, ack1))
	assert.False(t, terminal)
	assert.True(t, ack1.acked)

	ack2 := &fakeAcknowledger{}
	terminal = s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-2", delivery(body, ack2))
	assert.False(t, terminal)
	assert.True(t, ack2.acked)

	events, err := store.ListEvents("scan-2")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHandleDeliveryLogPersists(t *testing.T) {
	store := newTestStore(t)
	s := &Supervisor{Store: store}
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-3", Status: types.ScanRunning}))

	body := `{"scan_id":"scan-3","log":{"level":"info","message":"hi","component":"mod"}}`
	ack := &fakeAcknowledger{}

	terminal := s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-3", delivery(body, ack))
	assert.False(t, terminal)
	assert.True(t, ack.acked)

	logs, err := store.ListLogs("scan-3")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hi", logs[0].Message)
}

func TestHandleDeliveryLifecycleFinishedIsTerminalAndUpdatesStatus(t *testing.T) {
	store := newTestStore(t)
	s := &Supervisor{Store: store, Correlator: nil}
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-4", Status: types.ScanRunning}))

	body := `{"scan_id":"scan-4","lifecycle":"FINISHED"}`
	ack := &fakeAcknowledger{}

	terminal := s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-4", delivery(body, ack))
	assert.True(t, terminal)
	assert.True(t, ack.acked)

	scan, err := store.GetScan("scan-4")
	require.NoError(t, err)
	assert.Equal(t, types.ScanFinished, scan.Status)
	assert.False(t, scan.EndedAt.IsZero())
}

func TestHandleDeliveryLifecycleAbortedIsTerminal(t *testing.T) {
	store := newTestStore(t)
	s := &Supervisor{Store: store}
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-5", Status: types.ScanAbortRequested}))

	body := `{"scan_id":"scan-5","lifecycle":"ABORTED"}`
	terminal := s.handleDelivery(context.Background(), log.WithComponent("test"), "scan-5", delivery(body, &fakeAcknowledger{}))

	assert.True(t, terminal)
	scan, err := store.GetScan("scan-5")
	require.NoError(t, err)
	assert.Equal(t, types.ScanAborted, scan.Status)
}

func TestReapDeadConsumersRemovesFinished(t *testing.T) {
	s := &Supervisor{Store: newTestStore(t), consumers: map[string]*consumerTask{}}

	dead := &consumerTask{scanID: "a", done: make(chan struct{})}
	close(dead.done)
	alive := &consumerTask{scanID: "b", done: make(chan struct{})}
	s.consumers["a"] = dead
	s.consumers["b"] = alive

	s.reapDeadConsumers()

	_, hasA := s.consumers["a"]
	_, hasB := s.consumers["b"]
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestStopConsumersForInactiveScansCancelsOnTerminalScan(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-6", Status: types.ScanFinished}))

	s := &Supervisor{Store: store, consumers: map[string]*consumerTask{}}
	canceled := false
	s.consumers["scan-6"] = &consumerTask{
		scanID: "scan-6",
		cancel: func() { canceled = true },
		done:   make(chan struct{}),
	}

	s.stopConsumersForInactiveScans(log.WithComponent("test"))

	assert.True(t, canceled)
}

func TestRunWatchdogPromotesIdleConsumerToFinished(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-7", Status: types.ScanRunning}))

	s := &Supervisor{Store: store, consumers: map[string]*consumerTask{}}
	canceled := false
	task := &consumerTask{
		scanID: "scan-7",
		cancel: func() { canceled = true },
		done:   make(chan struct{}),
	}
	task.lastMessage.Store(time.Now().Add(-2 * WatchdogIdleThreshold).UnixNano())
	s.consumers["scan-7"] = task

	s.runWatchdog(context.Background(), log.WithComponent("test"))

	assert.True(t, canceled)
	scan, err := store.GetScan("scan-7")
	require.NoError(t, err)
	assert.Equal(t, types.ScanFinished, scan.Status)
}

func TestRunWatchdogIgnoresFreshConsumer(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "scan-8", Status: types.ScanRunning}))

	s := &Supervisor{Store: store, consumers: map[string]*consumerTask{}}
	task := &consumerTask{scanID: "scan-8", cancel: func() {}, done: make(chan struct{})}
	task.touch()
	s.consumers["scan-8"] = task

	s.runWatchdog(context.Background(), log.WithComponent("test"))

	scan, err := store.GetScan("scan-8")
	require.NoError(t, err)
	assert.Equal(t, types.ScanRunning, scan.Status)
}
