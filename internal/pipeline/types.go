package pipeline

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kestrelai/studiobridge/internal/studio"
)

// ChatRequest is the OpenAI-shaped chat payload spec §3 defines.
type ChatRequest struct {
	Model           string
	Messages        []studio.Message
	Stream          bool
	Temperature     *float64
	MaxOutputTokens *int
	TopP            *float64
	Stop            []string
	ReasoningEffort string
	Tools           []map[string]any
}

// ToParams projects the request's generation knobs onto the C6 Params
// shape; tools presence toggles the tools panel per spec §4.2.1 phase 9.
func (r ChatRequest) ToParams() studio.Params {
	return studio.Params{
		Temperature:     r.Temperature,
		MaxOutputTokens: r.MaxOutputTokens,
		TopP:            r.TopP,
		Stop:            r.Stop,
		ReasoningEffort: r.ReasoningEffort,
		ToolsPanelOpen:  len(r.Tools) > 0,
	}
}

// QueuedItem is the unit C8 dequeues and hands to Run (spec §3 "Queued
// item"). ReqID is a 7-char lowercase alphanumeric nonce (see NewReqID).
type QueuedItem struct {
	ReqID        string
	Request      ChatRequest
	HTTPRequest  *http.Request
	ResultFuture *Future
	EnqueuedAt   time.Time
	Cancelled    atomic.Bool
}

// Usage mirrors the OpenAI usage object emitted on the final chunk/body.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is the OpenAI tool_calls entry shape.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Delta is one SSE chunk's choices[0].delta, carrying at most one of
// Content/ReasoningContent/ToolCalls per spec §6.
type Delta struct {
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Chunk is one OpenAI-shaped SSE payload (the JSON after "data: ").
type Chunk struct {
	ID      string  `json:"id"`
	Object  string  `json:"object"`
	Model   string  `json:"model"`
	Created int64   `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Choice is one entry of Chunk.Choices.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamHandle is what Run hands back to C8 for a streaming request, per
// spec §4.3's "(completion_event, submit_button, disconnect_check)"
// tuple: C8 spawns its own enhanced monitor and waits on CompletionEvent.
type StreamHandle struct {
	CompletionEvent chan struct{}
	CheckSubmitDone func() (bool, error)
	CheckDisconnect func() bool
}

// Response is what a successful Future resolves to: either a channel of
// SSE chunks (Stream==true, closed after the last chunk)
// or a single non-streaming Body.
type Response struct {
	Stream bool
	Chunks <-chan Chunk
	Body   *ChatResponse
	Handle *StreamHandle
}

// ChatResponse is the accumulated non-streaming completion body.
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int      `json:"index"`
		Message      Message  `json:"message"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Message is the non-streaming completion's choices[].message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
