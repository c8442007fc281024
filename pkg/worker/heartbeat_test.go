package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/types"
)

func TestBeatReportsIdleWithNoCurrentScan(t *testing.T) {
	var received types.HeartbeatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := &Heartbeater{URL: server.URL, WorkerID: "w-1"}
	h.beat(context.Background(), log.WithComponent("test"))

	assert.Equal(t, string(types.WorkerIdle), received.Status)
	assert.Empty(t, received.CurrentScan)
}

func TestBeatReportsBusyWithCurrentScan(t *testing.T) {
	var received types.HeartbeatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := &Heartbeater{URL: server.URL, WorkerID: "w-2", CurrentScan: func() string { return "scan-42" }}
	h.beat(context.Background(), log.WithComponent("test"))

	assert.Equal(t, string(types.WorkerBusy), received.Status)
	assert.Equal(t, "scan-42", received.CurrentScan)
}
