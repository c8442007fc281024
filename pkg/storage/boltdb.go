package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/scanmesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names. Events and logs are nested inside a scan-keyed
	// sub-bucket rather than given their own top-level bucket, since both
	// are always accessed scoped to a single scan_id.
	bucketScans   = []byte("scans")
	bucketEvents  = []byte("events") // sub-bucket per scan_id
	bucketLogs    = []byte("logs")   // sub-bucket per scan_id
	bucketWorkers = []byte("workers")
)

// BoltStore implements Store using a single embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// NewBoltStore opens (creating if absent) the control-plane database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scanmesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketScans, bucketEvents, bucketLogs, bucketWorkers}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithLock serializes fn against every other WithLock call, giving callers
// an atomic check-then-write (e.g. read scan status, then transition it)
// with respect to writers that also go through WithLock. The other
// BoltStore methods do not take this lock; each runs in its own bbolt
// transaction. The lock is not reentrant, so fn must not call WithLock.
func (s *BoltStore) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- Scans ---

func (s *BoltStore) CreateScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data, err := json.Marshal(scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(scan.ID), data)
	})
}

func (s *BoltStore) GetScan(id string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan not found: %s", id)
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *BoltStore) ListScansByStatus(statuses ...types.ScanStatus) ([]*types.Scan, error) {
	want := make(map[types.ScanStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var scans []*types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.ForEach(func(k, v []byte) error {
			var scan types.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			if len(want) == 0 || want[scan.Status] {
				scans = append(scans, &scan)
			}
			return nil
		})
	})
	return scans, err
}

func (s *BoltStore) UpdateScanStatus(id string, status types.ScanStatus, ended bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan not found: %s", id)
		}
		var scan types.Scan
		if err := json.Unmarshal(data, &scan); err != nil {
			return err
		}
		scan.Status = status
		if status == types.ScanRunning && scan.StartedAt.IsZero() {
			scan.StartedAt = time.Now()
		}
		if ended {
			scan.EndedAt = time.Now()
		}
		updated, err := json.Marshal(&scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteScan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketScans).Delete([]byte(id)); err != nil {
			return err
		}
		if tx.Bucket(bucketEvents).Bucket([]byte(id)) != nil {
			if err := tx.Bucket(bucketEvents).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketLogs).Bucket([]byte(id)) != nil {
			if err := tx.Bucket(bucketLogs).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Events ---

// InsertEventIfAbsent is the dedup primitive: the event's content hash is
// the key within the scan's event sub-bucket, so a redelivered event finds
// its key already present and is skipped without a Put (inserted=false).
func (s *BoltStore) InsertEventIfAbsent(scanID string, event types.Event) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		scanBucket, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(scanID))
		if err != nil {
			return err
		}
		key := []byte(event.ContentHash)
		if scanBucket.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := scanBucket.Put(key, data); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *BoltStore) ListEvents(scanID string) ([]types.Event, error) {
	var events []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		scanBucket := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if scanBucket == nil {
			return nil
		}
		return scanBucket.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, event)
			return nil
		})
	})
	return events, err
}

// --- Logs ---

func (s *BoltStore) InsertLog(scanID string, rec types.LogRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		scanBucket, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(scanID))
		if err != nil {
			return err
		}
		seq, err := scanBucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return scanBucket.Put(itob(seq), data)
	})
}

func (s *BoltStore) ListLogs(scanID string) ([]types.LogRecord, error) {
	var logs []types.LogRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		scanBucket := tx.Bucket(bucketLogs).Bucket([]byte(scanID))
		if scanBucket == nil {
			return nil
		}
		c := scanBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			logs = append(logs, rec)
		}
		return nil
	})
	return logs, err
}

// --- Workers ---

func (s *BoltStore) UpsertWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// itob encodes a bbolt auto-increment sequence as a big-endian byte key so
// log records iterate back out in insertion order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
