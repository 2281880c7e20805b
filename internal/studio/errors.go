package studio

// Typed errors C6 raises, grounded on the teacher's
// internal/provider/gemini-web/errors.go (AuthError/APIError/GeminiError/
// TimeoutError/UsageLimitExceeded/TemporarilyBlocked family), generalized
// from a single vendor client to the C6 contract's operation set.

// DisconnectedError is a typed disconnect error a check_disconnect callback
// can return mid-operation. Nothing in this repository constructs it: the
// pipeline's callbacks return the pipeline's own client-gone *Error, which
// Session passes on unchanged.
type DisconnectedError struct{ Stage string }

func (e *DisconnectedError) Error() string {
	if e.Stage == "" {
		return "client disconnected"
	}
	return "client disconnected during " + e.Stage
}

// SelectorError wraps a failed DOM interaction. Session leaves SnapshotPath
// empty: its error snapshots (page HTML + screenshot) are written under its
// snapshot directory, but their paths are not recorded on the error.
type SelectorError struct {
	Op           string
	Cause        error
	SnapshotPath string
}

func (e *SelectorError) Error() string {
	msg := "studio: " + e.Op + " failed"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SelectorError) Unwrap() error { return e.Cause }

// NavigateRetriesExhausted is raised by ClearChatHistory after its
// bounded retry budget (spec §4.5: "navigates up to 3 times with 2s
// backoff... raises typed error after 3 failures").
type NavigateRetriesExhausted struct{ Attempts int }

func (e *NavigateRetriesExhausted) Error() string {
	return "studio: clear_chat_history exhausted its navigation retries"
}

// ModelUnavailableError signals C6 could not switch to the requested
// model (feeds pipeline phase 6's 422 path).
type ModelUnavailableError struct{ Model string }

func (e *ModelUnavailableError) Error() string {
	return "studio: model unavailable: " + e.Model
}

// UsageLimitExceededError mirrors the teacher's UsageLimitExceeded.
type UsageLimitExceededError struct{ Msg string }

func (e *UsageLimitExceededError) Error() string {
	if e.Msg == "" {
		return "studio: usage limit exceeded"
	}
	return e.Msg
}
