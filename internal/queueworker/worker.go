package queueworker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/disconnect"
	"github.com/kestrelai/studiobridge/internal/pipeline"
	"github.com/kestrelai/studiobridge/internal/studio"
)

const (
	dequeueTimeout        = 5 * time.Second
	cleanupScanDepth      = 10
	streamMonitorInterval = 300 * time.Millisecond
)

// Worker is the C8 single-threaded cooperative loop owner.
type Worker struct {
	Queue *Queue
	WC    *pipeline.WorkerContext
}

// NewWorker builds a Worker over queue and the shared per-process
// WorkerContext.
func NewWorker(wc *pipeline.WorkerContext, queue *Queue) *Worker {
	return &Worker{Queue: queue, WC: wc}
}

// Run executes the loop until ctx is cancelled. It is meant to be the
// sole goroutine that ever calls pipeline.Run for this WorkerContext.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.Queue.cleanupScan(cleanupScanDepth, w.isGone)

		item, ok := w.Queue.dequeue(dequeueTimeout)
		if !ok {
			continue
		}

		if item.Cancelled.Load() || w.isGone(item) {
			continue
		}

		if gap := w.WC.PacingSleep(item.Request.Stream); gap > 0 {
			time.Sleep(gap)
		}

		w.dispatch(ctx, item)

		w.WC.SideChannel.Drain()
	}
}

func (w *Worker) dispatch(ctx context.Context, item *pipeline.QueuedItem) {
	w.WC.LockProcessing()
	defer w.WC.UnlockProcessing()

	if w.isGone(item) {
		item.Cancelled.Store(true)
		item.ResultFuture.Fail(&pipeline.Error{Kind: pipeline.KindClientGone, Message: "cancelled before dispatch"})
		return
	}

	clearCheck := func(stage string) error {
		if w.isGone(item) {
			return &pipeline.Error{Kind: pipeline.KindClientGone, Message: "client disconnected during " + stage}
		}
		return nil
	}
	if err := w.WC.Controller.ClearChatHistory(ctx, studio.CheckDisconnect(clearCheck)); err != nil {
		item.ResultFuture.Fail(&pipeline.Error{Kind: pipeline.KindServiceUnavailable, Message: "failed to reset chat session", RetryAfter: 30, Cause: err})
		return
	}

	pipeline.Run(ctx, w.WC, item)

	w.awaitStreamCompletion(item)
}

// awaitStreamCompletion implements spec §4.3's "post-dispatch stream
// wait": it does not re-decide the already-completed Future, only keeps
// the processing lock held until the stream either finishes, the client
// disconnects, or a generous deadline elapses.
func (w *Worker) awaitStreamCompletion(item *pipeline.QueuedItem) {
	resp, errv := item.ResultFuture.Result()
	if errv != nil || resp == nil || !resp.Stream || resp.Handle == nil {
		return
	}
	handle := resp.Handle

	deadline := w.WC.Config.ResponseCompletionTimeout() + 60*time.Second
	stopMonitor := make(chan struct{})
	detected := make(chan struct{})
	defer close(stopMonitor)

	go func() {
		ticker := time.NewTicker(streamMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopMonitor:
				return
			case <-ticker.C:
				if handle.CheckDisconnect != nil && handle.CheckDisconnect() {
					select {
					case <-detected:
					default:
						close(detected)
					}
					return
				}
			}
		}
	}()

	// handle.CompletionEvent is closed exactly once, by streamResponse
	// itself, when the stream generator terminates; this wait never
	// closes it. A disconnect detected here only releases the processing
	// lock early (spec §4.3) so the next queued item can dispatch — the
	// stream goroutine still owns its own cleanup independently.
	select {
	case <-handle.CompletionEvent:
	case <-detected:
		log.WithField("req_id", item.ReqID).Info("pipeline: stream disconnect detected during post-dispatch wait; releasing processing lock early")
	case <-time.After(deadline):
		log.WithField("req_id", item.ReqID).Warn("pipeline: stream completion wait timed out; releasing processing lock regardless")
	}

	// Verifying the submit button is disabled after completion (spec
	// §4.3) is left to the Controller's own GetResponse/DOM-scrape
	// completion check (spec §4.5), since the C6 contract does not
	// expose raw button state to the pipeline layer — only the fact
	// that a response was produced.
}

// isGone combines the two disconnect signals C8 can check without a
// running Monitor: the registered http.Request's own context, and the
// C13 cancellation registry.
func (w *Worker) isGone(item *pipeline.QueuedItem) bool {
	if item.Cancelled.Load() {
		return true
	}
	if w.WC.CancelRegistry.IsCancelled(item.ReqID) {
		return true
	}
	if item.HTTPRequest != nil {
		probe := disconnect.TransportProbeFromRequest(item.HTTPRequest)
		if probe() {
			return true
		}
	}
	return false
}
