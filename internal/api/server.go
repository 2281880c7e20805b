// Package api implements the worker binary's OpenAI-shaped HTTP surface
// (spec §6): POST /v1/chat/completions, GET /v1/models, POST
// /v1/cancel/{req_id}, GET /health. Grounded on
// original_source/src/api/routes.go's FastAPI handler shapes, generalized
// to gin per the teacher's internal/api/server.go idiom.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/pipeline"
	"github.com/kestrelai/studiobridge/internal/queueworker"
	"github.com/kestrelai/studiobridge/internal/studio"
)

func marshalChunk(chunk pipeline.Chunk) (string, error) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DefaultFallbackModelID is returned by GET /v1/models when the browser
// page has not yet resolved a model list (spec §6: "returns default
// fallback when empty").
const DefaultFallbackModelID = "no model list"

// Server wires the worker's HTTP endpoints to the shared WorkerContext and
// its Queue.
type Server struct {
	WC    *pipeline.WorkerContext
	Queue *queueworker.Queue
}

// NewServer builds a Server.
func NewServer(wc *pipeline.WorkerContext, queue *queueworker.Queue) *Server {
	return &Server{WC: wc, Queue: queue}
}

// RegisterRoutes wires the worker's HTTP surface onto r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/v1/models", s.handleModels)
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/cancel/:req_id", s.handleCancel)
}

// handleHealth reports 200 only if all of spec §6's health conditions
// hold: not initializing, side-channel ready, browser connected (when not
// in direct mode), page ready, worker alive. This repo only models the
// page-ready/worker-alive legs directly; MITMPort==0 means the side
// channel is intentionally disabled (DOM-scrape mode), not unready.
func (s *Server) handleHealth(c *gin.Context) {
	pageReady := s.WC.Controller.PageReady()
	status := http.StatusOK
	if !pageReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     map[bool]string{true: "OK", false: "Error"}[pageReady],
		"page_ready": pageReady,
		"queue_len":  s.Queue.Len(),
	})
}

// handleModels returns the browser-resolved model list, or the fallback
// single-entry list per spec §6.
func (s *Server) handleModels(c *gin.Context) {
	current := s.WC.CurrentModelID()
	if current == "" {
		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data": []gin.H{{
				"id": DefaultFallbackModelID, "object": "model",
				"created": time.Now().Unix(), "owned_by": "studiobridge-fallback",
			}},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id": current, "object": "model",
			"created": time.Now().Unix(), "owned_by": "studiobridge",
		}},
	})
}

type chatRequestBody struct {
	Model           string             `json:"model"`
	Messages        []studio.Message   `json:"messages"`
	Stream          bool               `json:"stream"`
	Temperature     *float64           `json:"temperature"`
	MaxOutputTokens *int               `json:"max_tokens"`
	TopP            *float64           `json:"top_p"`
	Stop            []string           `json:"stop"`
	ReasoningEffort string             `json:"reasoning_effort"`
	Tools           []map[string]any   `json:"tools"`
}

// handleChatCompletions enqueues the request and blocks on its future,
// streaming SSE chunks if requested, per spec §6.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var body chatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := pipeline.ChatRequest{
		Model: body.Model, Messages: body.Messages, Stream: body.Stream,
		Temperature: body.Temperature, MaxOutputTokens: body.MaxOutputTokens,
		TopP: body.TopP, Stop: body.Stop, ReasoningEffort: body.ReasoningEffort, Tools: body.Tools,
	}
	reqID := pipeline.NewReqID()
	item := &pipeline.QueuedItem{
		ReqID: reqID, Request: req, HTTPRequest: c.Request,
		ResultFuture: pipeline.NewFuture(), EnqueuedAt: time.Now(),
	}
	s.Queue.Enqueue(item)

	resp, perr := item.ResultFuture.Result()
	if perr != nil {
		writePipelineError(c, reqID, perr)
		return
	}

	if resp.Stream {
		s.streamSSE(c, resp)
		return
	}
	c.JSON(http.StatusOK, resp.Body)
}

func (s *Server) streamSSE(c *gin.Context, resp *pipeline.Response) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	for chunk := range resp.Chunks {
		data, err := marshalChunk(chunk)
		if err != nil {
			log.WithError(err).Warn("api: failed to marshal stream chunk")
			continue
		}
		if _, err := c.Writer.Write([]byte("data: " + data + "\n\n")); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

// handleCancel marks req_id cancelled wherever it currently is: the
// in-flight C13 registry (active request) or still queued (spec §6).
func (s *Server) handleCancel(c *gin.Context) {
	reqID := c.Param("req_id")

	if r, ok := s.WC.HTTPRequest(reqID); ok && r != nil {
		s.WC.CancelRegistry.Mark(reqID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "active request marked as cancelled", "type": "active_request"})
		return
	}

	if s.cancelQueued(reqID) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "queued request marked as cancelled", "type": "queued_request"})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "request not found in queue or active requests", "type": "not_found"})
}

func (s *Server) cancelQueued(reqID string) bool {
	found := false
	s.Queue.ForEach(func(item *pipeline.QueuedItem) {
		if item.ReqID == reqID && !item.Cancelled.Load() {
			item.Cancelled.Store(true)
			item.ResultFuture.Fail(&pipeline.Error{Kind: pipeline.KindClientGone, Message: "request cancelled"})
			found = true
		}
	})
	return found
}

func writePipelineError(c *gin.Context, reqID string, perr *pipeline.Error) {
	status := perr.HTTPStatus()
	body := gin.H{"error": perr.Error(), "req_id": reqID}
	if perr.RetryAfter > 0 {
		c.Header("Retry-After", itoaInt(perr.RetryAfter))
	}
	c.JSON(status, body)
}

func itoaInt(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
