// Package localstore is the worker-side, per-scan counterpart to
// pkg/storage: a small embedded database scoped to exactly one running
// task, used to pass an abort request from the goroutine that polls the
// control-plane store into the goroutine driving the scan engine, so the
// latter never reads the control-plane store itself.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/scanmesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketTask = []byte("task")

const (
	keyStatus = "status"
	keyAbort  = "abort_requested"
)

// Store is a single task's local database, rooted at
// $DATA_PATH/tasks/{scan_id}.db. It is wiped at the start of a task and
// deleted once the task completes, so its lifetime never outlives one scan
// execution.
type Store struct {
	db   *bolt.DB
	path string
}

// Path returns the file path a task-local store for scanID would live at
// under dataDir, without opening it.
func Path(dataDir, scanID string) string {
	return filepath.Join(dataDir, "tasks", scanID+".db")
}

// Open creates (replacing any stale leftover) a fresh task-local store for
// scanID.
func Open(dataDir, scanID string) (*Store, error) {
	path := Path(dataDir, scanID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}
	// A stale file from a previous, abnormally-terminated run of the same
	// scan_id must not leak an old abort flag into the new run.
	_ = os.Remove(path)

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTask)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// SetStatus records the task's current status.
func (s *Store) SetStatus(status types.ScanStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTask).Put([]byte(keyStatus), []byte(status))
	})
}

// Status returns the last status recorded by SetStatus, or the zero value
// if none has been set yet.
func (s *Store) Status() (types.ScanStatus, error) {
	var status types.ScanStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTask).Get([]byte(keyStatus))
		status = types.ScanStatus(v)
		return nil
	})
	return status, err
}

// RequestAbort flags the running task for cooperative cancellation. The
// abort-bridge goroutine writes this; the engine-driving goroutine polls it.
func (s *Store) RequestAbort() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTask).Put([]byte(keyAbort), []byte{1})
	})
}

// AbortRequested reports whether RequestAbort has been called.
func (s *Store) AbortRequested() (bool, error) {
	var requested bool
	err := s.db.View(func(tx *bolt.Tx) error {
		requested = tx.Bucket(bucketTask).Get([]byte(keyAbort)) != nil
		return nil
	})
	return requested, err
}

// Close closes the underlying database without removing its file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Delete closes the store and removes its backing file. Called once a task
// reaches a terminal state; nothing should be waiting on this scan_id's
// local store afterward.
func (s *Store) Delete() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// Exists reports whether a task-local store file is currently present for
// scanID, used by the abort-bridge to know when it is safe to write a
// pending abort request (the engine goroutine may not have created the
// store yet).
func Exists(dataDir, scanID string) bool {
	_, err := os.Stat(Path(dataDir, scanID))
	return err == nil
}

// OpenExisting opens a task-local store that is assumed to already exist,
// without wiping it. Used by the abort-bridge goroutine, which must never
// race the owning task's Open call.
func OpenExisting(dataDir, scanID string) (*Store, error) {
	path := Path(dataDir, scanID)
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open existing task store: %w", err)
	}
	return &Store{db: db, path: path}, nil
}
