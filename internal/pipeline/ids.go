package pipeline

import (
	"crypto/rand"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewReqID returns a 7-char lowercase alphanumeric nonce, per spec §3's
// "Queued item" definition. Hand-rolled rather than uuid: the spec names
// an exact, short, non-dashed alphabet that google/uuid cannot produce
// directly.
func NewReqID() string {
	return randomAlphanumeric(7)
}

// NewToolCallID returns a synthetic "call_<24 lowercase alphanumerics>"
// id, per spec §4.2.3's tool-call encoding rule.
func NewToolCallID() string {
	return "call_" + randomAlphanumeric(24)
}

func randomAlphanumeric(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fall back to a fixed-but-valid nonce rather than
		// panic mid-request.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out)
}
