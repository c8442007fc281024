// Package supervisor implements the result-ingestion supervisor: a
// monitor loop that keeps exactly one live per-scan consumer for every
// active scan, a staleness watchdog for lost terminal lifecycles, and
// dispatch of correlation runs once a scan finishes.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/scanmesh/pkg/broker"
	"github.com/cuemby/scanmesh/pkg/correlation"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/storage"
)

const (
	// MonitorInterval is how often the monitor loop runs its steps.
	MonitorInterval = 10 * time.Second
	// WatchdogIdleThreshold is how long a live consumer can go without a
	// message before its terminal lifecycle is assumed lost.
	WatchdogIdleThreshold = 10 * time.Minute
	// WorkerSweepInterval is how often the offline-worker sweep runs.
	WorkerSweepInterval = 2 * time.Minute
)

// Supervisor owns the fleet of per-scan consumer tasks. Operations against
// one scan_id are naturally serialized: only one monitor iteration runs at
// a time, and each scan has at most one tracked consumer.
type Supervisor struct {
	Store      storage.Store
	Broker     *broker.Broker
	Correlator *correlation.Runner

	mu        sync.Mutex
	consumers map[string]*consumerTask
}

// consumerTask tracks one per-scan consumer goroutine.
type consumerTask struct {
	scanID      string
	cancel      context.CancelFunc
	done        chan struct{}
	lastMessage atomic.Int64 // unix nanoseconds
}

func (c *consumerTask) touch() {
	c.lastMessage.Store(time.Now().UnixNano())
}

func (c *consumerTask) idleSince() time.Duration {
	last := c.lastMessage.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

func (c *consumerTask) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Run executes the monitor loop every MonitorInterval until ctx is
// canceled, then cancels every tracked consumer. It returns without
// waiting for the consumer goroutines to exit.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	if s.consumers == nil {
		s.consumers = make(map[string]*consumerTask)
	}
	s.mu.Unlock()

	logger := log.WithComponent("supervisor")
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.runMonitorIteration(ctx, logger)
		}
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.consumers {
		c.cancel()
	}
}
