// Package types defines the core data structures shared across scanmesh:
// scans, tasks, result events, log records, lifecycle messages and worker
// records. These are the wire-level and store-level shapes every other
// package (broker, dispatcher, worker, supervisor, registry) builds on.
package types

import "time"

// Scan is the control-plane record for one invocation of the scan engine
// against a target. A scan row is created before dispatch and destroyed
// only by explicit deletion.
type Scan struct {
	ID         string
	Name       string
	Target     string
	TargetType string
	ModuleList string // CSV of engine-specific module identifiers
	Status     ScanStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// ScanStatus is the finite state machine described by the scan lifecycle:
//
//	CREATED -> RUNNING -+-> FINISHED
//	                    +-> ERROR_FAILED
//	                    +-> ABORTED
//	                    +-> ABORT_REQUESTED -+-> ABORTED
//	                                         +-> FINISHED (benign race)
//	                                         +-> ERROR_FAILED
//
// Transitions are monotonic toward a terminal state; only the supervisor
// writes terminal states.
type ScanStatus string

const (
	ScanCreated        ScanStatus = "CREATED"
	ScanRunning        ScanStatus = "RUNNING"
	ScanAbortRequested ScanStatus = "ABORT_REQUESTED"
	ScanFinished       ScanStatus = "FINISHED"
	ScanErrorFailed    ScanStatus = "ERROR_FAILED"
	ScanAborted        ScanStatus = "ABORTED"
)

// Terminal reports whether the status is one from which no further
// transition is possible.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanFinished, ScanErrorFailed, ScanAborted:
		return true
	default:
		return false
	}
}

// Active reports whether the supervisor should be tracking a consumer for
// a scan in this status (RUNNING or ABORT_REQUESTED).
func (s ScanStatus) Active() bool {
	return s == ScanRunning || s == ScanAbortRequested
}

// QueueType selects one of the two physical task queues, providing
// workload isolation between quick and resource-heavy modules.
type QueueType string

const (
	QueueFast QueueType = "fast"
	QueueSlow QueueType = "slow"
)

// ResultMode records how a scan's results are delivered: "rabbitmq" on
// tasks published to the broker, "direct" on the task the dispatcher runs
// in process when the broker is unreachable (§4.2 step 5). It is carried
// on the task for the record only; the worker runtime does not read it.
type ResultMode string

const (
	ResultModeRabbitMQ ResultMode = "rabbitmq"
	ResultModeDirect   ResultMode = "direct"
)

// Task is the transient wire-level record describing one scan to run.
// Tasks are owned by the broker from publish until ack; at-least-once
// delivery is assumed.
type Task struct {
	ScanID     string `json:"scan_id"`
	ScanName   string `json:"scan_name"`
	ScanTarget string `json:"scan_target"`
	TargetType string `json:"target_type"`
	ModuleList string `json:"module_list"`
	QueueType  string `json:"queue_type"`
	APIURL     string `json:"api_url"`
	ResultMode string `json:"result_mode"`
}

// Event is a typed observation emitted by a scan module. ContentHash is
// the sole uniqueness key: (scan_id, hash) identifies a result uniquely
// and is stable across redeliveries.
type Event struct {
	ContentHash     string  `json:"hash"`
	Type            string  `json:"type"`
	Generated       float64 `json:"generated"`
	Confidence      int     `json:"confidence"`
	Visibility      int     `json:"visibility"`
	Risk            int     `json:"risk"`
	Module          string  `json:"module"`
	Data            string  `json:"data"`
	SourceEventHash string  `json:"source_event_hash"`
}

// RootSourceHash marks an event with no predecessor in the event graph.
const RootSourceHash = "ROOT"

// Valid reports whether the event's bounded fields fall within the
// required 0..100 range and its hash is present. The ingestion path
// rejects anything that fails this check.
func (e Event) Valid() bool {
	if e.ContentHash == "" {
		return false
	}
	if e.Confidence < 0 || e.Confidence > 100 {
		return false
	}
	if e.Visibility < 0 || e.Visibility > 100 {
		return false
	}
	if e.Risk < 0 || e.Risk > 100 {
		return false
	}
	return true
}

// LogRecord is a per-scan structured log line forwarded by the worker's
// log handler.
type LogRecord struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Component string  `json:"component"`
	Time      float64 `json:"time"`
}

// Lifecycle is a terminal status transition message. Exactly one must be
// received by the supervisor for each scan that reaches a terminal state
// on a worker, though it may be lost in transit (handled by the
// supervisor's watchdog).
type Lifecycle string

const (
	LifecycleFinished Lifecycle = "FINISHED"
	LifecycleFailed   Lifecycle = "FAILED"
	LifecycleAborted  Lifecycle = "ABORTED"
)

// ResultMessage is the tagged sum published to scan.results/{scan_id}.
// Exactly one of Event, Lifecycle, Log is non-nil.
type ResultMessage struct {
	ScanID    string     `json:"scan_id"`
	Event     *Event     `json:"event"`
	Lifecycle *Lifecycle `json:"lifecycle"`
	Log       *LogRecord `json:"log"`
}

// Kind classifies a decoded ResultMessage for the consumer's exhaustive
// dispatch, per the dynamic-dispatch design note: message kinds are a
// tagged sum validated once at decode time.
type Kind int

const (
	KindUnknown Kind = iota
	KindEvent
	KindLifecycle
	KindLog
)

// Classify returns which of the three payload kinds is populated. A
// message with zero or more than one populated field is KindUnknown;
// the consumer treats that as a malformed message (nack-without-requeue).
func (m ResultMessage) Classify() Kind {
	n := 0
	k := KindUnknown
	if m.Event != nil {
		n++
		k = KindEvent
	}
	if m.Lifecycle != nil {
		n++
		k = KindLifecycle
	}
	if m.Log != nil {
		n++
		k = KindLog
	}
	if n != 1 {
		return KindUnknown
	}
	return k
}

// WorkerStatus is the current activity state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is the control-plane record for a fleet member. Workers are
// stateless: created on first heartbeat, marked offline after 60s of
// silence, deleted after a configurable cleanup timeout. If deleted while
// running, a worker simply re-registers on its next heartbeat.
type Worker struct {
	ID          string
	Name        string
	Host        string
	QueueType   QueueType
	Status      WorkerStatus
	CurrentScan string
	LastSeen    time.Time
	Registered  time.Time
}

// HeartbeatRequest is the body of POST /workers/heartbeat.
type HeartbeatRequest struct {
	WorkerID    string `json:"worker_id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	QueueType   string `json:"queue_type"`
	Status      string `json:"status"`
	CurrentScan string `json:"current_scan"`
}
