// Package correlation runs the post-scan correlation rule set out of
// process, isolating its resource usage and crash behavior from the
// control-plane supervisor that invokes it.
package correlation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
)

// HardTimeout is the wall-clock limit a correlation run is allowed before
// it is killed and reported as a timeout.
const HardTimeout = 15 * time.Minute

// Status classifies how a correlation run ended.
type Status string

const (
	StatusClean   Status = "clean"
	StatusOOM     Status = "oom"
	StatusTimeout Status = "timeout"
	StatusOther   Status = "other"
)

// Runner invokes an external correlation-rule command for one scan.
type Runner struct {
	// Command is the correlation binary/script and its fixed arguments;
	// the scan_id is appended as the final argument on each Run.
	Command []string

	// Store persists SKIP_HEAVY/RULE_ERROR warnings into the scan's own
	// log stream so a client polling ListLogs(scanID) sees them, not just
	// the process's own stderr. Nil is tolerated (logs only to stdout).
	Store storage.Store
}

// Run executes the correlation command for scanID and classifies its
// outcome. It never returns an error the caller should treat as scan
// failure: per policy, a non-clean correlation run never rolls back a
// scan's FINISHED status, so the caller only logs the outcome.
func (r *Runner) Run(ctx context.Context, scanID string) Status {
	logger := log.WithScanID(scanID)
	if len(r.Command) == 0 {
		logger.Warn().Msg("no correlation command configured, skipping")
		return StatusClean
	}

	timer := metrics.NewTimer()
	runCtx, cancel := context.WithTimeout(ctx, HardTimeout)
	defer cancel()

	args := append(append([]string{}, r.Command[1:]...), scanID)
	cmd := exec.CommandContext(runCtx, r.Command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	metrics.CorrelationDuration.Observe(timer.Duration().Seconds())

	status := classify(runCtx, err)
	metrics.CorrelationRunsTotal.WithLabelValues(string(status)).Inc()

	switch status {
	case StatusClean:
		logger.Info().Msg("correlation run completed")
	case StatusOOM:
		logger.Error().Str("stderr", stderr.String()).Msg("correlation run OOM-killed")
	case StatusTimeout:
		logger.Error().Dur("timeout", HardTimeout).Msg("correlation run exceeded hard timeout")
	case StatusOther:
		logger.Error().Err(err).Str("stderr", stderr.String()).Msg("correlation run failed")
	}

	for _, line := range scanHeavyAndRuleErrorLines(stdout.Bytes()) {
		logger.Warn().Msg(line)
		if r.Store != nil {
			rec := types.LogRecord{
				Level:     "WARNING",
				Message:   line,
				Component: "correlation",
				Time:      float64(time.Now().Unix()),
			}
			if err := r.Store.InsertLog(scanID, rec); err != nil {
				logger.Error().Err(err).Msg("failed to persist correlation warning to scan log stream")
			}
		}
	}

	return status
}

func classify(ctx context.Context, err error) Status {
	if err == nil {
		return StatusClean
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 137 {
			return StatusOOM
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if status.Signal() == syscall.SIGKILL {
				return StatusOOM
			}
		}
	}
	return StatusOther
}

// scanHeavyAndRuleErrorLines picks SKIP_HEAVY and RULE_ERROR lines out of
// the correlation command's stdout so they surface in scanmesh's own logs
// rather than only in a subprocess's captured output.
func scanHeavyAndRuleErrorLines(stdout []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.Contains(line, "SKIP_HEAVY") || strings.Contains(line, "RULE_ERROR") {
			lines = append(lines, line)
		}
	}
	return lines
}
