package studio

import "context"

// CheckDisconnect is threaded through every long-running operation; it
// returns a non-nil error the instant the pipeline's monitor (C5) has
// fired, per spec §4.5. The pipeline's callbacks return its client-gone
// *pipeline.Error.
type CheckDisconnect func(stage string) error

// Params is the merged parameter set adjust_parameters applies to the page.
type Params struct {
	Temperature      *float64
	MaxOutputTokens  *int
	TopP             *float64
	Stop             []string
	ReasoningEffort  string
	ToolsPanelOpen   bool
	URLContext       bool
	ThinkingBudget    *int
	GoogleSearch     bool
}

// ImageRef is one inlined image reference collected while building the
// prompt (spec §4.2.1 phase 8).
type ImageRef struct {
	Filename string
	DataURI  string
	URL      string
}

// ParamCache is the process-global idempotency cache described in spec §3;
// the concrete type lives in paramcache.go. adjust_parameters takes the
// cache explicitly (rather than mutating a hidden global) per the "explicit
// WorkerContext value" redesign note in spec §9.
type ParamCacheAccessor interface {
	Get() CachedParams
	Set(CachedParams)
	Clear()
}

// Controller is the C6 contract exactly as spec §4.5 tables it. The
// pipeline (C7) depends only on this interface; nothing in C7 knows how
// any method is implemented.
type Controller interface {
	ClearChatHistory(ctx context.Context, check CheckDisconnect) error
	SetSystemInstructions(ctx context.Context, text string, check CheckDisconnect) error
	AdjustParameters(ctx context.Context, params Params, cache ParamCacheAccessor, modelID string, modelList []string, check CheckDisconnect) error
	SubmitPrompt(ctx context.Context, prompt string, images []ImageRef, check CheckDisconnect) error
	GetResponse(ctx context.Context, check CheckDisconnect) (string, error)
	StopGeneration(ctx context.Context, check CheckDisconnect)
	ContinuouslyHandleSkipButton(ctx context.Context, stop <-chan struct{}, check CheckDisconnect)

	// CurrentModelID reports the model currently resolved on the page, for
	// the pipeline's model-resolution phase (spec §4.2.1 phase 6).
	CurrentModelID() string
	// SwitchModel changes the page's active model, returning
	// ModelUnavailableError on failure.
	SwitchModel(ctx context.Context, modelID string, check CheckDisconnect) error
	// PageReady reports whether the browser page is present and
	// interactive (spec §4.2.1 phase 5).
	PageReady() bool
}
