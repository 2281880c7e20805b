// Package pipeline implements the per-request state machine (C7): queue
// item in, browser-driven completion out. Grounded on spec §4.2 and, for
// phase shape, on the original's request_handler.py orchestration (single
// entry point calling the queue worker, the browser controller, and the
// side-channel reader in sequence).
package pipeline

import (
	"fmt"

	"github.com/kestrelai/studiobridge/internal/abortclassifier"
)

// Kind enumerates the error kinds spec §7 names by behavior, not type
// name. Every path out of a pipeline Run completes the item's Future with
// exactly one of these (or a success), never leaves it pending.
type Kind int

const (
	KindClientGone Kind = iota
	KindServiceUnavailable
	KindModelUnavailable
	KindUpstreamTimeout
	KindUpstreamFailed
	KindInternalError
	KindBadRequest
)

// Error is the single error type Run ever returns; HTTPStatus tells the
// API layer how to translate it.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for KindServiceUnavailable
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps a Kind onto the status code spec §7 assigns it.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindClientGone:
		return 499
	case KindServiceUnavailable:
		return 503
	case KindModelUnavailable:
		return 422
	case KindUpstreamTimeout:
		return 504
	case KindUpstreamFailed:
		return 502
	case KindBadRequest:
		return 400
	default:
		return 500
	}
}

func clientGone(stage string) *Error {
	return &Error{Kind: KindClientGone, Message: "client disconnected during " + stage}
}

func serviceUnavailable(msg string, retryAfter int) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: msg, RetryAfter: retryAfter}
}

func modelUnavailable(model string, cause error) *Error {
	return &Error{Kind: KindModelUnavailable, Message: "model unavailable: " + model, Cause: cause}
}

func upstreamTimeout(msg string) *Error {
	return &Error{Kind: KindUpstreamTimeout, Message: msg}
}

func internalError(cause error) *Error {
	return &Error{Kind: KindInternalError, Message: "internal error", Cause: cause}
}

// classifyBrowserError applies C9's policy (spec §4.6) to a raw error
// surfaced by a Controller call at C7's boundary: user_abort and
// client_disconnect are treated as a successful pause (499, same as a
// disconnect-monitor hit), anything else is a true internal error. err is
// assumed not to already be a *Error (typed disconnect errors are handled
// by their callers before this is reached).
func classifyBrowserError(err error, stage string) *Error {
	ce := abortclassifier.ClassifiableError{Message: err.Error()}
	if abortclassifier.ShouldTreatAsSuccess(ce) {
		return clientGone(stage)
	}
	return internalError(err)
}
