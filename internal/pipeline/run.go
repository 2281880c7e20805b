package pipeline

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/disconnect"
	"github.com/kestrelai/studiobridge/internal/studio"
)

// LockProcessing and UnlockProcessing expose the processing_lock to C8,
// which holds it across the whole Run invocation (spec §4.3: "Acquire the
// processing lock... at most one pipeline invocation at a time").
func (wc *WorkerContext) LockProcessing()   { wc.processingLock.Lock() }
func (wc *WorkerContext) UnlockProcessing() { wc.processingLock.Unlock() }

const skipMonitorStopBudget = 2 * time.Second

// Run executes the twelve phases of spec §4.2.1 for one dequeued item.
// It never leaves item.ResultFuture pending: every return path completes
// it exactly once, by success or by a typed *Error. The caller (C8) is
// expected to already hold the processing lock and to have already
// invoked Controller.ClearChatHistory per spec §4.3.
func Run(ctx context.Context, wc *WorkerContext, item *QueuedItem) {
	reqID := item.ReqID

	// Phase 1: register. The cancel registry only tracks *cancelled*
	// ids, so "registering" here means clearing any stale entry from a
	// prior use of this id and publishing the http.Request for lazy
	// readers (the API layer's cancel handler, notably).
	wc.CancelRegistry.Clear(reqID)
	wc.RegisterHTTPRequest(reqID, item.HTTPRequest)

	fail := func(err *Error) {
		wc.UnregisterHTTPRequest(reqID)
		item.ResultFuture.Fail(err)
	}

	// Phase 2: pre-connect probe.
	if item.Cancelled.Load() || wc.CancelRegistry.IsCancelled(reqID) || httpAlreadyGone(item.HTTPRequest) {
		fail(clientGone("pre_connect"))
		return
	}

	// Phase 3: context snapshot (taken implicitly via wc.CurrentModelID()
	// and wc.ParamCache.Get() as each phase below needs them).

	// Phase 4: monitor spawn. On detection (spec §4.2.2): complete the
	// future with 499 if it isn't already resolved, then invoke C6's stop
	// generation so the browser aborts whatever model work is in flight.
	// Fail is idempotent, so this never races a result already delivered
	// by the response phase. StopGeneration errors are logged, not
	// propagated, by the Controller itself.
	onDisconnectDetected := func() {
		item.ResultFuture.Fail(clientGone("disconnect_monitor"))
		wc.Controller.StopGeneration(ctx, func(string) error { return nil })
	}
	monitor := disconnect.NewMonitor(reqID, transportProbe(item.HTTPRequest), nil, func() bool {
		return wc.CancelRegistry.IsCancelled(reqID)
	}, onDisconnectDetected)
	go monitor.Run()

	check := func(stage string) *Error {
		if monitor.Disconnected() {
			return clientGone(stage)
		}
		return nil
	}

	cleanupMonitor := func() { monitor.Stop() }

	// Phase 5: page readiness.
	if !wc.Controller.PageReady() {
		cleanupMonitor()
		fail(serviceUnavailable("browser page not ready", 30))
		return
	}

	checkStage := func(stage string) studio.CheckDisconnect {
		return func(s string) error {
			if e := check(stage); e != nil {
				return e
			}
			return nil
		}
	}

	// Phase 6: model resolution.
	model := item.Request.Model
	switched := false
	if model != "" && model != wc.CurrentModelID() {
		wc.modelSwitchingLock.Lock()
		err := wc.Controller.SwitchModel(ctx, model, checkStage("model_resolution"))
		wc.modelSwitchingLock.Unlock()
		if err != nil {
			cleanupMonitor()
			if e := check("model_resolution"); e != nil {
				fail(e)
				return
			}
			fail(modelUnavailable(model, err))
			return
		}
		wc.setCurrentModelID(model)
		switched = true
	}

	// Phase 7: param-cache reconciliation.
	if switched || !wc.ParamCache.MatchesModel(wc.CurrentModelID()) {
		wc.paramsCacheLock.Lock()
		wc.ParamCache.Clear()
		wc.paramsCacheLock.Unlock()
	}

	// Phase 8: prompt preparation.
	systemPrompt, prompt, images := studio.BuildPrompt(item.Request.Messages)

	// Phase 9: system instructions, then parameter adjustment.
	if err := wc.Controller.SetSystemInstructions(ctx, systemPrompt, checkStage("set_system_instructions")); err != nil {
		cleanupMonitor()
		if e := check("set_system_instructions"); e != nil {
			fail(e)
			return
		}
		fail(classifyBrowserError(err, "set_system_instructions"))
		return
	}

	wc.paramsCacheLock.Lock()
	paramErr := wc.Controller.AdjustParameters(ctx, item.Request.ToParams(), wc.ParamCache, wc.CurrentModelID(), nil, checkStage("adjust_parameters"))
	wc.paramsCacheLock.Unlock()
	if paramErr != nil {
		if e := check("adjust_parameters"); e != nil {
			cleanupMonitor()
			fail(e)
			return
		}
		// Spec §4.5: parameter-specific errors are logged and the cache
		// cleared; they do not fail the request.
		log.WithError(paramErr).WithField("req_id", reqID).Warn("pipeline: parameter adjustment failed, cache cleared")
		wc.ParamCache.Clear()
	}

	// Phase 10: submit.
	if err := wc.Controller.SubmitPrompt(ctx, prompt, images, checkStage("submit_prompt")); err != nil {
		cleanupMonitor()
		if e := check("submit_prompt"); e != nil {
			fail(e)
			return
		}
		fail(classifyBrowserError(err, "submit_prompt"))
		return
	}

	stopSkip := make(chan struct{})
	skipDone := make(chan struct{})
	go func() {
		wc.Controller.ContinuouslyHandleSkipButton(ctx, stopSkip, checkStage("skip_button_monitor"))
		close(skipDone)
	}()

	// Phase 11: response phase.
	resp, respErr, handoff := wc.buildResponse(ctx, item, monitor, checkStage("response"))

	stopSkipMonitor(stopSkip, skipDone)

	if respErr != nil {
		if !handoff {
			cleanupMonitor()
		}
		fail(respErr)
		return
	}

	item.ResultFuture.Complete(resp)

	// Phase 12: cleanup. Streaming successes hand the monitor's lifetime
	// to the stream goroutine (spec §4.2.4: "left running until the
	// stream generator terminates"); everything else stops it here. The
	// http.Request map entry for streaming responses is cleared by the
	// stream goroutine itself, matching the original's "finally" clause.
	if !handoff {
		wc.UnregisterHTTPRequest(reqID)
		cleanupMonitor()
		wc.recordCompletion(item.Request.Stream)
	}
}

func stopSkipMonitor(stop chan struct{}, done <-chan struct{}) {
	close(stop)
	select {
	case <-done:
	case <-time.After(skipMonitorStopBudget):
		log.Warn("pipeline: skip-button monitor did not stop within its 2s budget")
	}
}

func httpAlreadyGone(r *http.Request) bool {
	if r == nil {
		return false
	}
	select {
	case <-r.Context().Done():
		return true
	default:
		return false
	}
}

func transportProbe(r *http.Request) disconnect.TransportProbe {
	if r == nil {
		return func() bool { return false }
	}
	return disconnect.TransportProbeFromRequest(r)
}
