// Package disconnect implements the multi-signal client-disconnect
// detector (C5): three independent signals (transport probe, disconnect
// message channel, cancellation registry), any of which means the client
// is gone. There is no separate probe of transport-layer closing/closed
// state flags. Grounded on spec §4.2.2 and the original's ASGI-style
// disconnect-message probing in original_source/api_utils/queue_worker.py.
package disconnect

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// PollInterval is the cadence between full probes (spec §4.2.2).
const PollInterval = 50 * time.Millisecond

// HeartbeatEvery emits a heartbeat log line every N polls.
const HeartbeatEvery = 20

// TransportProbe reports whether the underlying HTTP transport already
// knows the client is gone (the "is_disconnected" signal).
type TransportProbe func() bool

// Message is the ASGI-style disconnect message shape probed on a
// non-blocking channel read.
type Message struct {
	Type     string
	Body     []byte
	MoreBody bool
}

// CancelledCheck reports whether the C13 registry shows this req_id
// cancelled.
type CancelledCheck func() bool

// Monitor watches the three signals for one in-flight request and exposes
// a single disconnected flag (Disconnected) plus the onDetected callback
// invoked the first time Run sees any signal fire.
type Monitor struct {
	reqID      string
	probe      TransportProbe
	messages   <-chan Message
	cancelled  CancelledCheck
	onDetected func()

	disconnected atomic.Bool
	done         chan struct{}
	stop         chan struct{}
}

// NewMonitor builds a Monitor for reqID. messages may be nil if the
// transport has no explicit disconnect-message channel (plain net/http
// requests don't); probe and cancelled must not be nil.
func NewMonitor(reqID string, probe TransportProbe, messages <-chan Message, cancelled CancelledCheck, onDetected func()) *Monitor {
	return &Monitor{
		reqID:      reqID,
		probe:      probe,
		messages:   messages,
		cancelled:  cancelled,
		onDetected: onDetected,
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// Run polls the three signals at PollInterval until one fires or Stop is
// called. It is meant to run in its own goroutine.
func (m *Monitor) Run() {
	defer close(m.done)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			polls++
			if polls%HeartbeatEvery == 0 {
				heartbeat(m.reqID, polls)
			}
			if m.fired() {
				m.disconnected.Store(true)
				if m.onDetected != nil {
					m.onDetected()
				}
				return
			}
		}
	}
}

// Stop halts the monitor goroutine without declaring a disconnect.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// Disconnected reports the last known state synchronously, for the
// pipeline's explicit checkpoint probes (pre-lock scan, C6's
// check_disconnect callback).
func (m *Monitor) Disconnected() bool {
	if m.disconnected.Load() {
		return true
	}
	return m.fired()
}

func (m *Monitor) fired() bool {
	if m.probe != nil && m.probe() {
		return true
	}
	if m.cancelled != nil && m.cancelled() {
		return true
	}
	if m.messages != nil {
		select {
		case msg, ok := <-m.messages:
			if !ok {
				return true
			}
			return messageMeansGone(msg)
		default:
		}
	}
	return false
}

func messageMeansGone(msg Message) bool {
	switch msg.Type {
	case "http.disconnect", "websocket.disconnect", "websocket.close":
		return true
	case "http.request":
		if len(msg.Body) == 0 && !msg.MoreBody {
			return true
		}
	}
	lower := strings.ToLower(string(msg.Body))
	return strings.Contains(lower, "abort") || strings.Contains(lower, "cancel") || strings.Contains(lower, "stop")
}

// TransportProbeFromRequest adapts an *http.Request's Context into a
// TransportProbe, the Go analogue of the original's ASGI "is_disconnected"
// call.
func TransportProbeFromRequest(r *http.Request) TransportProbe {
	ctx := r.Context()
	return func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

func heartbeat(reqID string, polls int) {
	logHeartbeat(reqID, polls)
}
