package pipeline

import "sync"

// Future is the single-shot promise backing Queued item's result_future
// (spec §3). Completing it transitions a request to "responded"; it is an
// error to complete it twice, so Complete/Fail are idempotent no-ops past
// the first call, matching the "exactly once" invariant of spec §8.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	response *Response
	err      *Error
	closed   bool
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future successfully. A second call is a no-op.
func (f *Future) Complete(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.response = resp
	f.closed = true
	close(f.done)
}

// Fail resolves the future with a typed error. A second call is a no-op.
func (f *Future) Fail(err *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.err = err
	f.closed = true
	close(f.done)
}

// Done is closed the instant the future is resolved, by success or error.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has already resolved, without
// blocking.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved value after Done is closed. Calling it
// before resolution blocks.
func (f *Future) Result() (*Response, *Error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.response, f.err
}
