// Package abortclassifier implements the Abort Classifier (C9): a pure,
// table-driven function mapping a normalized error description onto one of
// three stop reasons. Ported verbatim, keyword tables included, from
// original_source/api_utils/abort_detector.py's AbortSignalDetector — per
// spec §9 this heuristic layer is preserved literally rather than
// redesigned, since it encodes empirically observed client behaviour.
package abortclassifier

import "strings"

// StopReason is the classifier's three-way output.
type StopReason string

const (
	UserAbort        StopReason = "user_abort"
	ClientDisconnect StopReason = "client_disconnect"
	Other            StopReason = "other"
)

// ClassifiableError is the normalized, tagged error variant that replaces
// the original's dynamic getattr(error, 'message', ...) probing (spec §9
// redesign note: "dynamic attribute probing on exceptions becomes a tagged
// error variant with normalized fields").
type ClassifiableError struct {
	Message           string
	Name              string
	ClassName         string
	StatusCode        int
	ResponseUserAgent string
}

// abortPatterns is the literal keyword list from is_abort_error, preserved
// verbatim: these are empirical client-behaviour signatures, not a
// principled taxonomy, and rule 2 below is purely a membership test against
// this table.
var abortPatterns = []string{
	"signal is aborted without reason", "aborterror", "operation was aborted",
	"request aborted", "connection aborted", "stream aborted", "cancelled",
	"interrupted", "cherry studio abort", "electron app closed",
	"renderer process terminated", "main process abort", "ipc communication failed",
	"response paused", "stream terminated by user", "client requested abort",
	"abort controller signal", "fetch operation aborted", "clicked stop button",
	"aborted by user", "stop button clicked", "user_cancelled", "streaming_failed",
	"task aborted", "command execution timed out", "the operation was aborted",
	"fetch aborted", "client closed request", "client disconnected during",
	"http disconnect", "connection reset by peer", "broken pipe",
}

// disconnectPatterns is the literal, disjoint keyword list from
// is_client_disconnect_error.
var disconnectPatterns = []string{
	"client disconnected", "connection reset", "broken pipe", "connection lost",
	"peer closed", "socket closed", "connection aborted", "connection closed",
	"disconnected", "network error", "failed to fetch", "connection refused",
	"timeout", "connection timeout", "stream closed", "sse disconnected",
	"websocket closed",
}

var knownAbortClients = []string{"sillytavern", "cherry-studio", "chatbox", "kilocode"}

// Classify maps err onto one of the three stop reasons, in the exact rule
// order spec §4.6 lists.
func Classify(err ClassifiableError) StopReason {
	if isAbort(err) {
		return UserAbort
	}
	if isClientDisconnect(err) {
		return ClientDisconnect
	}
	return Other
}

// ShouldTreatAsSuccess reports whether the classified error should be
// surfaced as a quiet stream close rather than a 500, per spec §4.6's
// "user_abort and client_disconnect are treated as successful pauses".
func ShouldTreatAsSuccess(err ClassifiableError) bool {
	reason := Classify(err)
	return reason == UserAbort || reason == ClientDisconnect
}

func isAbort(err ClassifiableError) bool {
	message := err.Message
	if message == "Request was aborted." {
		return true
	}
	messageLower := strings.ToLower(message)

	for _, pattern := range abortPatterns {
		if strings.Contains(messageLower, pattern) {
			return true
		}
	}

	if err.Name == "AbortError" {
		return true
	}
	if strings.Contains(strings.ToLower(err.ClassName), "abort") {
		return true
	}
	if strings.Contains(err.ClassName, "ConnectionError") {
		for _, keyword := range []string{"aborted", "cancelled", "interrupted", "closed"} {
			if strings.Contains(messageLower, keyword) {
				return true
			}
		}
	}
	if err.StatusCode == 499 {
		return true
	}
	if err.ResponseUserAgent != "" {
		uaLower := strings.ToLower(err.ResponseUserAgent)
		for _, client := range knownAbortClients {
			if strings.Contains(uaLower, client) {
				for _, keyword := range []string{"abort", "cancel", "stop", "interrupt"} {
					if strings.Contains(messageLower, keyword) {
						return true
					}
				}
				break
			}
		}
	}
	return false
}

func isClientDisconnect(err ClassifiableError) bool {
	messageLower := strings.ToLower(err.Message)
	classLower := strings.ToLower(err.ClassName)
	for _, pattern := range disconnectPatterns {
		if strings.Contains(messageLower, pattern) || strings.Contains(classLower, pattern) {
			return true
		}
	}
	return false
}
