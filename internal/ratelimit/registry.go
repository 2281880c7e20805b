// Package ratelimit implements the per-(worker, model) quarantine registry
// (C12): idempotent marking with a time-based expiry checked lazily on
// read. Grounded on original_source/src/worker/pool.py's
// mark_rate_limited/clear_rate_limits and, for the lazy-expiry cursor
// shape, the teacher's sdk/cliproxy/auth/selector.go RoundRobinSelector
// (Auth.Unavailable / NextRetryAfter.After(now) skip logic).
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("ratelimit")

// Entry is one (worker, model) quarantine record.
type Entry struct {
	WorkerID  string
	Model     string
	ExpiresAt time.Time
}

func key(workerID, model string) string { return workerID + "\x00" + model }

// Registry holds quarantine entries, optionally mirrored to a bbolt
// database so a worker or gateway restart does not forget a recent
// quota hit.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	db      *bbolt.DB
}

// New builds an in-memory-only Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Open builds a bbolt-backed Registry, restoring entries from path.
func Open(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: open bbolt: %w", err)
	}
	r := &Registry{entries: make(map[string]Entry), db: db}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, errBucket := tx.CreateBucketIfNotExists(bucketName)
		if errBucket != nil {
			return errBucket
		}
		return bucket.ForEach(func(k, v []byte) error {
			workerID, model, expiresAt, errParse := decodeEntry(k, v)
			if errParse != nil {
				return nil
			}
			r.entries[key(workerID, model)] = Entry{WorkerID: workerID, Model: model, ExpiresAt: expiresAt}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ratelimit: restore: %w", err)
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

// Mark quarantines (workerID, model) until now+recovery. Idempotent:
// calling it again simply refreshes the expiry.
func (r *Registry) Mark(workerID, model string, recovery time.Duration) {
	entry := Entry{WorkerID: workerID, Model: model, ExpiresAt: time.Now().Add(recovery)}

	r.mu.Lock()
	r.entries[key(workerID, model)] = entry
	r.mu.Unlock()

	if r.db != nil {
		_ = r.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName).Put(encodeKey(workerID, model), encodeValue(entry.ExpiresAt))
		})
	}
}

// IsLimited reports whether (workerID, model) is currently quarantined,
// evicting the entry if it has expired (lazy expiry per spec §3/§4.4).
func (r *Registry) IsLimited(workerID, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key(workerID, model)]
	if !ok {
		return false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(r.entries, key(workerID, model))
		if r.db != nil {
			_ = r.db.Update(func(tx *bbolt.Tx) error {
				return tx.Bucket(bucketName).Delete(encodeKey(workerID, model))
			})
		}
		return false
	}
	return true
}

// Clear removes every quarantine entry for workerID (management API
// "clear rate limits" operation).
func (r *Registry) Clear(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if entry.WorkerID == workerID {
			delete(r.entries, k)
			if r.db != nil {
				_ = r.db.Update(func(tx *bbolt.Tx) error {
					return tx.Bucket(bucketName).Delete(encodeKey(entry.WorkerID, entry.Model))
				})
			}
		}
	}
}

// LimitedModels returns, with expired entries evicted, the set of models
// currently quarantined for workerID.
func (r *Registry) LimitedModels(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var models []string
	for k, entry := range r.entries {
		if entry.WorkerID != workerID {
			continue
		}
		if now.After(entry.ExpiresAt) {
			delete(r.entries, k)
			continue
		}
		models = append(models, entry.Model)
	}
	return models
}
