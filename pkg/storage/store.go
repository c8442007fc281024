// Package storage persists the control-plane's view of scans, their
// events and logs, and the worker registry. It is the boundary the
// dispatcher, worker runtime, supervisor and registry all write through;
// the relational schema behind it is opaque to the core (spec §1), but a
// concrete, testable implementation of this contract is still required.
package storage

import "github.com/cuemby/scanmesh/pkg/types"

// Store is the control-plane persistence contract.
type Store interface {
	// Scans
	CreateScan(scan *types.Scan) error
	GetScan(id string) (*types.Scan, error)
	ListScansByStatus(statuses ...types.ScanStatus) ([]*types.Scan, error)
	UpdateScanStatus(id string, status types.ScanStatus, ended bool) error
	DeleteScan(id string) error

	// Events — InsertEventIfAbsent is the dedup primitive backing
	// invariant 3: (scan_id, hash) is a unique key.
	InsertEventIfAbsent(scanID string, event types.Event) (inserted bool, err error)
	ListEvents(scanID string) ([]types.Event, error)

	// Logs
	InsertLog(scanID string, rec types.LogRecord) error
	ListLogs(scanID string) ([]types.LogRecord, error)

	// Workers
	UpsertWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(id string) error

	// WithLock serializes a compound check-then-write sequence against
	// other WithLock calls on the same store. Callers use this to make
	// operations like "read scan status, then transition it" atomic with
	// respect to other tasks that also go through WithLock; the other
	// methods do not take this mutex, and it is not reentrant.
	WithLock(fn func() error) error

	Close() error
}
