package studio

import "sync"

// CachedParams is the process-global record of what is currently set on
// the browser page (spec §3 "Param cache"). Invariant: if LastModelID
// differs from the actual model, the entire cache is invalidated.
type CachedParams struct {
	LastModelID     string
	Temperature     *float64
	MaxOutputTokens *int
	StopSequences   []string
}

// ParamCache is the concrete, mutex-guarded ParamCacheAccessor. Grounded on
// the teacher's sdk/cliproxy/auth/types.go quota/model-state caching
// pattern (a struct of pointer-valued optional fields behind one mutex),
// generalized here to the single process-global cache spec §3 describes.
type ParamCache struct {
	mu    sync.Mutex
	state CachedParams
}

// NewParamCache returns an empty cache.
func NewParamCache() *ParamCache {
	return &ParamCache{}
}

// Get returns a snapshot of the current cached params.
func (c *ParamCache) Get() CachedParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Set replaces the cached params wholesale, called after a successful
// parameter adjustment.
func (c *ParamCache) Set(params CachedParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = params
}

// Clear invalidates the cache; always safe, forcing the next request to
// re-write every parameter on the DOM (spec §3).
func (c *ParamCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CachedParams{}
}

// MatchesModel reports whether the cache's last known model still matches
// modelID — the coherence invariant from spec §8 property 5.
func (c *ParamCache) MatchesModel(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastModelID == modelID
}
