// Package cancelregistry implements the process-wide Cancellation Registry
// (C13): a thread-safe set of in-flight request IDs marked for external
// cancellation, optionally bbolt-backed so a worker restart does not
// silently forget a cancellation still draining through the pipeline.
//
// Grounded on the teacher's sdk/cliproxy/auth/types.go, which persists
// similarly short-lived per-key state (refresh-lead registry) behind a
// mutex-guarded map; generalized here to an explicit cancel set plus an
// optional durable backing store.
package cancelregistry

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("cancel")

// Registry tracks cancelled req_ids. The pipeline calls Clear once, when a
// Run for a req_id starts, to drop a stale mark; nothing removes an entry
// after its cancellation has been handled, so marks for finished requests
// stay in the set (and in the bbolt store, when one is used).
type Registry struct {
	mu        sync.Mutex
	cancelled map[string]time.Time

	db *bbolt.DB
}

// New builds an in-memory-only Registry.
func New() *Registry {
	return &Registry{cancelled: make(map[string]time.Time)}
}

// Open builds a Registry backed by a bbolt database at path, restoring any
// entries left over from a prior process (e.g. a cancellation whose
// pipeline invocation was still draining when the worker was killed).
func Open(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cancelregistry: open bbolt: %w", err)
	}
	r := &Registry{cancelled: make(map[string]time.Time), db: db}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, errBucket := tx.CreateBucketIfNotExists(bucketName)
		if errBucket != nil {
			return errBucket
		}
		return bucket.ForEach(func(k, v []byte) error {
			r.cancelled[string(k)] = time.Now()
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cancelregistry: restore: %w", err)
	}
	return r, nil
}

// Close releases the backing store, if any.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Mark flags reqID as cancelled. Idempotent.
func (r *Registry) Mark(reqID string) {
	r.mu.Lock()
	r.cancelled[reqID] = time.Now()
	r.mu.Unlock()

	if r.db != nil {
		_ = r.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName).Put([]byte(reqID), []byte("1"))
		})
	}
}

// IsCancelled reports whether reqID has been marked cancelled.
func (r *Registry) IsCancelled(reqID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[reqID]
	return ok
}

// Clear removes reqID from the registry and from the backing store, if any.
func (r *Registry) Clear(reqID string) {
	r.mu.Lock()
	delete(r.cancelled, reqID)
	r.mu.Unlock()

	if r.db != nil {
		_ = r.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName).Delete([]byte(reqID))
		})
	}
}
