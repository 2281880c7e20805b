package mitm

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelai/studiobridge/internal/decoder"
)

// SideChannel is the concrete, in-process MPSC queue C4 publishes decoded
// frames and rate-limit notices onto, and that C7 drains from (spec §3's
// "side-channel queue"). It implements pipeline.SideChannel.
type SideChannel struct {
	mu      sync.Mutex
	items   []decoder.Frame
	notify  chan struct{}
}

// NewSideChannel returns an empty SideChannel.
func NewSideChannel() *SideChannel {
	return &SideChannel{notify: make(chan struct{}, 1)}
}

// Publish appends frame to the queue, waking any blocked Read.
func (s *SideChannel) Publish(frame decoder.Frame) {
	s.mu.Lock()
	s.items = append(s.items, frame)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Read blocks for up to timeout for the next frame.
func (s *SideChannel) Read(ctx context.Context, timeout time.Duration) (decoder.Frame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			frame := s.items[0]
			s.items = s.items[1:]
			s.mu.Unlock()
			return frame, true
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return decoder.Frame{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
			return decoder.Frame{}, false
		case <-ctx.Done():
			timer.Stop()
			return decoder.Frame{}, false
		}
	}
}

// Drain discards any buffered frames (spec §4.3: "always drain the MITM
// side-channel queue after each request to prevent cross-request bleed").
func (s *SideChannel) Drain() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}
