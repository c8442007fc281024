package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/scanmesh/pkg/types"
)

// FakeEngine is a test double driven entirely by the task's module list, so
// tests can exercise the worker runtime and supervisor without a real scan
// engine. Recognized module tokens:
//
//	fail       -> publishes a log line, returns a non-nil error
//	abort      -> blocks until ctx is canceled, returns ctx.Err()
//	panic      -> returns a non-nil error without publishing anything
//	slow       -> sleeps Delay before finishing normally
//	eventN     -> emits N synthetic events (e.g. "event5"); default 2 if
//	              no eventN token is present
//
// Unrecognized tokens are ignored, matching the real engine's behavior of
// skipping modules it doesn't know about.
//
// Like a real engine, FakeEngine never publishes FAILED or ABORTED itself —
// only the worker runtime does that, by inspecting the task-local store and
// Run's return value once Run returns. FakeEngine only ever publishes
// FINISHED, on a clean run.
type FakeEngine struct {
	Delay time.Duration
}

func (f *FakeEngine) Run(ctx context.Context, task types.Task, sink Sink) error {
	modules := strings.Split(task.ModuleList, ",")
	eventCount := 2

	for _, m := range modules {
		m = strings.TrimSpace(m)
		switch {
		case m == "fail":
			_ = sink.PublishLog(types.LogRecord{Level: "ERROR", Message: "synthetic failure", Component: "fakeengine"})
			return fmt.Errorf("fake engine: synthetic failure")
		case m == "abort":
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Minute):
				return fmt.Errorf("fake engine: abort module never saw cancellation")
			}
		case m == "panic":
			return fmt.Errorf("fake engine: synthetic crash")
		case m == "slow":
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.Delay):
			}
		case strings.HasPrefix(m, "event"):
			var n int
			if _, err := fmt.Sscanf(m, "event%d", &n); err == nil {
				eventCount = n
			}
		}
	}

	for i := 0; i < eventCount; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		event := types.Event{
			ContentHash:     fmt.Sprintf("%s-event-%d", task.ScanID, i),
			Type:            "IP_ADDRESS",
			Confidence:      80,
			Visibility:      50,
			Risk:            0,
			Module:          "sfp_fake",
			Data:            fmt.Sprintf("10.0.0.%d", i),
			SourceEventHash: types.RootSourceHash,
		}
		if err := sink.PublishEvent(event); err != nil {
			return err
		}
	}

	lifecycle := types.LifecycleFinished
	return sink.PublishLifecycle(lifecycle)
}
