package pipeline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/studiobridge/internal/cancelregistry"
	"github.com/kestrelai/studiobridge/internal/config"
	"github.com/kestrelai/studiobridge/internal/decoder"
	"github.com/kestrelai/studiobridge/internal/studio"
)

// SideChannel is what C4 publishes decoded frames onto and C7 drains from
// (spec §4.2.3). A single worker process handles one request at a time,
// so one SideChannel instance is shared process-wide.
type SideChannel interface {
	// Read blocks for up to timeout for the next frame. ok is false on
	// timeout, true with a frame otherwise.
	Read(ctx context.Context, timeout time.Duration) (decoder.Frame, bool)
	// Drain discards any buffered frames, called after every request to
	// prevent cross-request bleed (spec §4.3).
	Drain()
}

// WorkerContext is the explicit, passed-around replacement for the
// ad-hoc module globals the original keeps (current_model_id,
// params_cache, current_http_requests, the three named locks) — the
// "explicit WorkerContext value" redesign spec §9 calls for. One instance
// exists per worker process and is shared by C7, C8, and the API layer.
type WorkerContext struct {
	// InstanceID is a UUID minted once when the WorkerContext is built, so
	// each process run gets a fresh one, independent of the operator-assigned
	// worker id in workers.json (which survives restarts and is reused). No
	// log line includes it.
	InstanceID string

	Config         *config.Config
	Controller     studio.Controller
	ParamCache     *studio.ParamCache
	CancelRegistry *cancelregistry.Registry
	SideChannel    SideChannel

	processingLock      sync.Mutex
	modelSwitchingLock  sync.Mutex
	paramsCacheLock     sync.Mutex
	currentHTTPRequests sync.Map // req_id -> *http.Request
	currentModelID      atomic.Value // string

	lastCompletionAt atomic.Value // time.Time
	lastWasStreaming atomic.Bool
}

// NewWorkerContext wires together the per-worker-process singletons.
func NewWorkerContext(cfg *config.Config, controller studio.Controller, paramCache *studio.ParamCache, registry *cancelregistry.Registry, sideChannel SideChannel) *WorkerContext {
	wc := &WorkerContext{
		InstanceID:     uuid.NewString(),
		Config:         cfg,
		Controller:     controller,
		ParamCache:     paramCache,
		CancelRegistry: registry,
		SideChannel:    sideChannel,
	}
	wc.currentModelID.Store("")
	return wc
}

// CurrentModelID returns the model ID the browser page is currently
// believed to be on.
func (wc *WorkerContext) CurrentModelID() string {
	return wc.currentModelID.Load().(string)
}

func (wc *WorkerContext) setCurrentModelID(id string) {
	wc.currentModelID.Store(id)
}

// RegisterHTTPRequest publishes the item's http.Request in the
// process-global map keyed by req_id, per spec §4.2.1 phase 1, so lazy
// streaming generators elsewhere (e.g. the API handler) can reach it.
func (wc *WorkerContext) RegisterHTTPRequest(reqID string, r *http.Request) {
	wc.currentHTTPRequests.Store(reqID, r)
}

// UnregisterHTTPRequest removes the req_id entry; called from the
// streaming generator's cleanup for streaming requests, and from Run's
// own cleanup for non-streaming ones (spec §4.2.4).
func (wc *WorkerContext) UnregisterHTTPRequest(reqID string) {
	wc.currentHTTPRequests.Delete(reqID)
}

// HTTPRequest looks up a previously registered request, if any.
func (wc *WorkerContext) HTTPRequest(reqID string) (*http.Request, bool) {
	v, ok := wc.currentHTTPRequests.Load(reqID)
	if !ok {
		return nil, false
	}
	return v.(*http.Request), true
}

// PacingSleep reports how long C8 should sleep before dispatching this
// item under spec §4.3's pacing rule ("previous request was streaming AND
// this one is streaming AND the gap since last completion is under 1s").
func (wc *WorkerContext) PacingSleep(streaming bool) time.Duration {
	return wc.pacingGap(streaming)
}

func (wc *WorkerContext) pacingGap(streaming bool) time.Duration {
	prevStreaming := wc.lastWasStreaming.Load()
	last, ok := wc.lastCompletionAt.Load().(time.Time)
	if !ok || !prevStreaming || !streaming {
		return 0
	}
	gap := time.Since(last)
	if gap >= time.Second {
		return 0
	}
	sleep := time.Second - gap
	if sleep < 500*time.Millisecond {
		sleep = 500 * time.Millisecond
	}
	return sleep
}

func (wc *WorkerContext) recordCompletion(streaming bool) {
	wc.lastCompletionAt.Store(time.Now())
	wc.lastWasStreaming.Store(streaming)
}
