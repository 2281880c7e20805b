// Package queueworker implements the single-threaded cooperative Queue
// Worker (C8): the loop that owns the serialization guarantee around C7.
// Grounded on original_source/api_utils/queue_worker.py's loop shape
// (top-of-loop cleanup scan, 5s dequeue timeout, pacing sleep, processing
// lock, post-dispatch completion wait, always-drain side channel).
package queueworker

import (
	"sync"
	"time"

	"github.com/kestrelai/studiobridge/internal/pipeline"
)

// Queue is an MPSC FIFO: HTTP handlers produce via Enqueue; the Worker
// loop is the sole consumer (spec §5's "request_queue (MPSC channel)").
// It is a slice behind a mutex rather than a Go channel because C8's
// top-of-loop cleanup pass needs to peek and reorder the first few
// entries without consuming them.
type Queue struct {
	mu     sync.Mutex
	items  []*pipeline.QueuedItem
	notify chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends item to the tail and wakes any blocked dequeue.
func (q *Queue) Enqueue(item *pipeline.QueuedItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ForEach invokes fn for a snapshot of every item currently queued,
// outside the lock. Used by the API layer's cancel handler (spec §6's
// "found in queue" branch) to scan for a req_id without disturbing order.
func (q *Queue) ForEach(fn func(*pipeline.QueuedItem)) {
	q.mu.Lock()
	items := make([]*pipeline.QueuedItem, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()
	for _, item := range items {
		fn(item)
	}
}

// dequeue waits up to timeout for the head item, returning ok=false on
// timeout (spec §4.3: "Dequeue with 5s timeout... allows timely
// shutdown").
func (q *Queue) dequeue(timeout time.Duration) (*pipeline.QueuedItem, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
			continue
		case <-deadline.C:
			return nil, false
		}
	}
}

// cleanupScan examines up to n items from the head, checks each for
// client-disconnect concurrently via isGone, fails any disconnected
// item's future with 499, and re-enqueues the survivors preserving
// relative order (spec §4.3's top-of-loop cleanup pass).
func (q *Queue) cleanupScan(n int, isGone func(*pipeline.QueuedItem) bool) {
	q.mu.Lock()
	count := n
	if count > len(q.items) {
		count = len(q.items)
	}
	batch := make([]*pipeline.QueuedItem, count)
	copy(batch, q.items[:count])
	q.mu.Unlock()

	if count == 0 {
		return
	}

	gone := make([]bool, count)
	var wg sync.WaitGroup
	for i, it := range batch {
		wg.Add(1)
		go func(i int, it *pipeline.QueuedItem) {
			defer wg.Done()
			gone[i] = isGone(it)
		}(i, it)
	}
	wg.Wait()

	var survivors []*pipeline.QueuedItem
	for i, it := range batch {
		if gone[i] {
			it.Cancelled.Store(true)
			it.ResultFuture.Fail(&pipeline.Error{Kind: pipeline.KindClientGone, Message: "cancelled while queued"})
		} else {
			survivors = append(survivors, it)
		}
	}

	q.mu.Lock()
	merged := make([]*pipeline.QueuedItem, 0, len(survivors)+len(q.items)-count)
	merged = append(merged, survivors...)
	merged = append(merged, q.items[count:]...)
	q.items = merged
	q.mu.Unlock()
}
