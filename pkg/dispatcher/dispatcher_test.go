package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanmesh/pkg/engine"
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

func TestClassify(t *testing.T) {
	slow := map[string]bool{"sfp_tool_nmap": true, "sfp_crossref": true}

	tests := []struct {
		name       string
		moduleList string
		expected   types.QueueType
	}{
		{"all fast modules", "sfp_dns, sfp_whois", types.QueueFast},
		{"one slow module among fast", "sfp_dns,sfp_tool_nmap,sfp_whois", types.QueueSlow},
		{"slow module with whitespace", "sfp_dns, sfp_crossref ", types.QueueSlow},
		{"empty module list", "", types.QueueFast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classify(tt.moduleList, slow))
		})
	}
}

func TestSubmitBrokerUnavailableRunsFallback(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{
		Store:       store,
		Broker:      nil,
		SlowModules: map[string]bool{},
		APIURL:      "http://localhost:8000",
		Fallback:    &engine.FakeEngine{},
	}

	scanID, outcome, err := d.Submit(context.Background(), Request{
		Name:       "test-scan",
		Target:     "example.com",
		TargetType: "DOMAIN_NAME",
		ModuleList: "sfp_fake",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBrokerUnavail, outcome)
	assert.NotEmpty(t, scanID)

	scan, err := store.GetScan(scanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanRunning, scan.Status)

	require.Eventually(t, func() bool {
		s, err := store.GetScan(scanID)
		return err == nil && s.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	scan, err = store.GetScan(scanID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanFinished, scan.Status)

	events, err := store.ListEvents(scanID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestSubmitBrokerUnavailableNoFallbackEngineFailsScan(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{
		Store:       store,
		Broker:      nil,
		SlowModules: map[string]bool{},
		Fallback:    nil,
	}

	scanID, outcome, err := d.Submit(context.Background(), Request{
		Name:       "test-scan",
		Target:     "example.com",
		TargetType: "DOMAIN_NAME",
		ModuleList: "sfp_fake",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBrokerUnavail, outcome)

	require.Eventually(t, func() bool {
		s, err := store.GetScan(scanID)
		return err == nil && s.Status == types.ScanErrorFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDirectSinkLifecycleMapsToTerminalStatus(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", Status: types.ScanRunning}))

	sink := &directSink{store: store, scanID: "s1"}
	failed := types.LifecycleFailed
	require.NoError(t, sink.PublishLifecycle(failed))
	assert.True(t, sink.terminal)

	scan, err := store.GetScan("s1")
	require.NoError(t, err)
	assert.Equal(t, types.ScanErrorFailed, scan.Status)
	assert.False(t, scan.EndedAt.IsZero())
}

func TestDirectSinkEventDedup(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", Status: types.ScanRunning}))
	sink := &directSink{store: store, scanID: "s1"}

	ev := types.Event{ContentHash: "h1", Type: "IP_ADDRESS", Confidence: 50, Visibility: 50, Risk: 0}
	require.NoError(t, sink.PublishEvent(ev))
	require.NoError(t, sink.PublishEvent(ev))

	events, err := store.ListEvents("s1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
