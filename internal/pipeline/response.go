package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/decoder"
	"github.com/kestrelai/studiobridge/internal/disconnect"
	"github.com/kestrelai/studiobridge/internal/studio"
)

// idlePollInterval and idleCeilingPolls implement the side-channel's
// "300-poll (~30s) idle ceiling" from spec §4.2.3.
const (
	idlePollInterval = 100 * time.Millisecond
	idleCeilingPolls = 300

	domChunkSize     = 5
	domChunkInterval = 30 * time.Millisecond
)

// frameEvent is one step of the unified frame stream, whichever mode
// produced it: a (Δreason, Δbody) pair, possibly terminal, possibly
// carrying tool calls or a synthesized timeout.
type frameEvent struct {
	deltaReason   string
	deltaBody     string
	done          bool
	toolCalls     []decoder.ToolCall
	timeoutReason string
}

// buildResponse runs phase 11 (spec §4.2.3): choose side-channel or
// DOM-scrape mode, and either return a streaming Response whose Chunks
// channel is fed by a background goroutine, or block here accumulating a
// single non-streaming ChatResponse. handoff reports whether the
// disconnect monitor's lifetime was handed to the streaming goroutine (in
// which case Run's cleanup must not stop it itself, per spec §4.2.4).
func (wc *WorkerContext) buildResponse(ctx context.Context, item *QueuedItem, monitor *disconnect.Monitor, check studio.CheckDisconnect) (*Response, *Error, bool) {
	modelID := item.Request.Model

	if !item.Request.Stream {
		chatResp, err := wc.accumulateResponse(ctx, item, monitor, check, modelID)
		return chatResp, err, false
	}

	chunks := make(chan Chunk, 8)
	completion := make(chan struct{})
	handle := &StreamHandle{
		CompletionEvent: completion,
		CheckDisconnect: monitor.Disconnected,
	}

	go wc.streamResponse(ctx, item, monitor, check, modelID, chunks, completion)

	return &Response{Stream: true, Chunks: chunks, Handle: handle}, nil, true
}

func (wc *WorkerContext) streamResponse(ctx context.Context, item *QueuedItem, monitor *disconnect.Monitor, check studio.CheckDisconnect, modelID string, chunks chan<- Chunk, completion chan struct{}) {
	reqID := item.ReqID
	defer func() {
		close(chunks)
		close(completion)
		wc.UnregisterHTTPRequest(reqID)
		monitor.Stop()
		wc.recordCompletion(true)
	}()

	loggedDisconnect := false
	emit := func(ev frameEvent) (stop bool) {
		if monitor.Disconnected() {
			if !loggedDisconnect {
				log.WithField("req_id", reqID).Info("检测到客户端断开")
				loggedDisconnect = true
			}
			return true
		}
		for _, c := range chunksFor(modelID, ev) {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return true
			}
		}
		return ev.done
	}

	// A non-abort GetResponse failure can't retroactively become an HTTP
	// error once chunks may already be flowing; log it so it isn't
	// silently swallowed, then let the stream close the way it already
	// does for a done=true frame.
	if err := wc.readFrames(ctx, monitor, emit); err != nil && err.Kind != KindClientGone {
		log.WithError(err).WithField("req_id", reqID).Warn("pipeline: stream ended after a non-abort browser error")
	}
}

func (wc *WorkerContext) accumulateResponse(ctx context.Context, item *QueuedItem, monitor *disconnect.Monitor, check studio.CheckDisconnect, modelID string) (*Response, *Error) {
	var reason, body string
	var toolCalls []decoder.ToolCall
	var timeoutReason string

	frameErr := wc.readFrames(ctx, monitor, func(ev frameEvent) bool {
		reason += ev.deltaReason
		body += ev.deltaBody
		if len(ev.toolCalls) > 0 {
			toolCalls = ev.toolCalls
		}
		timeoutReason = ev.timeoutReason
		return ev.done
	})

	wc.recordCompletion(false)

	if monitor.Disconnected() {
		return nil, clientGone("response_accumulate")
	}
	// A classified, non-abort GetResponse failure (DOM-scrape mode only;
	// the side channel never returns one) is a true C9 "other" outcome
	// and surfaces as its classified kind rather than a silent empty
	// success.
	if frameErr != nil {
		return nil, frameErr
	}
	if timeoutReason == "internal_timeout" {
		return nil, upstreamTimeout("no frames arrived within the side-channel idle ceiling")
	}
	if timeoutReason == "rate_limited" {
		return nil, modelUnavailable(modelID, nil)
	}

	resp := &ChatResponse{
		ID:      "chatcmpl-" + NewReqID(),
		Object:  "chat.completion",
		Model:   modelID,
		Created: time.Now().Unix(),
	}
	msg := Message{Role: "assistant", Content: body}
	finish := "stop"
	if len(toolCalls) > 0 {
		msg.ToolCalls = encodeToolCalls(toolCalls)
		finish = "tool_calls"
	}
	resp.Choices = append(resp.Choices, struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}{Index: 0, Message: msg, FinishReason: finish})
	_ = reason // reasoning text is surfaced only on streaming deltas per spec §4.2.3

	return &Response{Stream: false, Body: resp}, nil
}

// readFrames dispatches to the side-channel or DOM-scrape source
// depending on configuration (spec §4.2.3: "stream-port == 0 disables
// the side channel").
// readFrames dispatches to the side-channel or DOM-scrape source and
// returns a non-nil *Error only when the underlying browser call itself
// failed in a way C9 classifies as something other than a quiet abort
// (spec §4.6); the side channel never produces one since it never calls a
// Controller method directly.
func (wc *WorkerContext) readFrames(ctx context.Context, monitor *disconnect.Monitor, emit func(frameEvent) bool) *Error {
	if wc.Config != nil && wc.Config.MITMPort == 0 {
		return wc.readFramesDOMScrape(ctx, monitor, emit)
	}
	return wc.readFramesSideChannel(ctx, monitor, emit)
}

func (wc *WorkerContext) readFramesSideChannel(ctx context.Context, monitor *disconnect.Monitor, emit func(frameEvent) bool) *Error {
	var lastReason, lastBody string
	idlePolls := 0
	receivedAny := false

	for {
		if monitor.Disconnected() {
			return nil
		}
		frame, ok := wc.SideChannel.Read(ctx, idlePollInterval)
		if !ok {
			idlePolls++
			if idlePolls >= idleCeilingPolls {
				if !receivedAny {
					emit(frameEvent{done: true, timeoutReason: "internal_timeout"})
					return nil
				}
				log.Warn("pipeline: side-channel idle for 30s after data; letting natural done=true close the stream")
				idlePolls = 0
			}
			continue
		}

		idlePolls = 0
		receivedAny = true

		if frame.IsRateLimitNotice() {
			log.WithField("path", frame.RateLimitPath).Warn("pipeline: quota exhausted mid-stream (jserror notice)")
			emit(frameEvent{done: true, timeoutReason: "rate_limited"})
			return nil
		}

		deltaReason := cumulativeDelta(lastReason, frame.Reason)
		deltaBody := cumulativeDelta(lastBody, frame.Body)
		lastReason, lastBody = frame.Reason, frame.Body

		ev := frameEvent{deltaReason: deltaReason, deltaBody: deltaBody, done: frame.Done}
		if frame.Done && len(frame.Function) > 0 {
			ev.toolCalls = frame.Function
		}
		if emit(ev) || frame.Done {
			return nil
		}
	}
}

func (wc *WorkerContext) readFramesDOMScrape(ctx context.Context, monitor *disconnect.Monitor, emit func(frameEvent) bool) *Error {
	text, err := wc.Controller.GetResponse(ctx, func(stage string) error {
		if monitor.Disconnected() {
			return clientGone(stage)
		}
		return nil
	})
	if err != nil {
		emit(frameEvent{done: true})
		// A typed disconnect error from our own check callback is
		// already correctly classified; anything else is a raw browser
		// error that still needs C9's policy applied (spec §4.6).
		if typed, ok := err.(*Error); ok {
			return typed
		}
		return classifyBrowserError(err, "get_response")
	}

	for len(text) > 0 {
		if monitor.Disconnected() {
			return nil
		}
		n := domChunkSize
		if n > len(text) {
			n = len(text)
		}
		chunk := text[:n]
		text = text[n:]
		if emit(frameEvent{deltaBody: chunk, done: len(text) == 0}) {
			return nil
		}
		if len(text) > 0 {
			time.Sleep(domChunkInterval)
		}
	}
	return nil
}

// cumulativeDelta returns the suffix of next beyond prev, assuming next
// is cumulative over prev (spec §3: "reason and body are cumulative
// across frames of the same request"). If next does not extend prev (a
// decoder glitch), the whole of next is treated as the delta.
func cumulativeDelta(prev, next string) string {
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next
}

func encodeToolCalls(fn []decoder.ToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(fn))
	for _, f := range fn {
		var tc ToolCall
		tc.ID = NewToolCallID()
		tc.Type = "function"
		tc.Function.Name = f.Name
		if b, err := json.Marshal(f.Params); err == nil {
			tc.Function.Arguments = string(b)
		} else {
			tc.Function.Arguments = "{}"
		}
		out = append(out, tc)
	}
	return out
}

// chunksFor translates one frameEvent into the OpenAI-shaped SSE chunks
// spec §4.2.3 enumerates, in order.
func chunksFor(model string, ev frameEvent) []Chunk {
	base := Chunk{
		ID:      "chatcmpl-" + NewReqID(),
		Object:  "chat.completion.chunk",
		Model:   model,
		Created: time.Now().Unix(),
	}

	var out []Chunk
	if ev.deltaReason != "" {
		c := base
		c.Choices = []Choice{{Index: 0, Delta: Delta{ReasoningContent: ev.deltaReason}}}
		out = append(out, c)
	}
	if ev.deltaBody != "" {
		c := base
		c.Choices = []Choice{{Index: 0, Delta: Delta{Content: ev.deltaBody}}}
		out = append(out, c)
	}
	if ev.done {
		if len(ev.toolCalls) > 0 {
			finish := "tool_calls"
			c := base
			c.Choices = []Choice{{Index: 0, Delta: Delta{ToolCalls: encodeToolCalls(ev.toolCalls)}, FinishReason: &finish}}
			out = append(out, c)
		} else {
			finish := "stop"
			c := base
			c.Choices = []Choice{{Index: 0, Delta: Delta{}, FinishReason: &finish}}
			out = append(out, c)
		}
		usageChunk := base
		usageChunk.Usage = &Usage{}
		out = append(out, usageChunk)
	}
	return out
}
