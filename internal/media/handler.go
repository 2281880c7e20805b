package media

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelai/studiobridge/internal/pipeline"
	"github.com/kestrelai/studiobridge/internal/queueworker"
	"github.com/kestrelai/studiobridge/internal/studio"
)

// Handler wires the worker's media endpoints onto the same WorkerContext
// and Queue the chat endpoints use. Every request becomes one ordinary
// QueuedItem; only the prompt text and the response envelope differ from
// chat completions.
type Handler struct {
	WC    *pipeline.WorkerContext
	Queue *queueworker.Queue
}

// NewHandler builds a Handler.
func NewHandler(wc *pipeline.WorkerContext, queue *queueworker.Queue) *Handler {
	return &Handler{WC: wc, Queue: queue}
}

// RegisterRoutes wires the media HTTP surface onto r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/generate-speech", h.handleSpeech)
	r.POST("/generate-image", h.handleImage)
	r.POST("/generate-video", h.handleVideo)
	r.POST("/nano/generate", h.handleNano)
}

// submitPrompt runs one prompt through the ordinary C7 pipeline
// non-streaming and returns the assistant message content, which carries
// whatever the page returned (a data URI, a result URL, or plain text)
// for the caller to repackage into its own envelope.
func (h *Handler) submitPrompt(c *gin.Context, model, prompt string) (string, bool) {
	req := pipeline.ChatRequest{
		Model:    model,
		Messages: []studio.Message{{Role: "user", Parts: []studio.MessagePart{{Kind: "text", Text: prompt}}}},
		Stream:   false,
	}
	item := &pipeline.QueuedItem{
		ReqID: pipeline.NewReqID(), Request: req, HTTPRequest: c.Request,
		ResultFuture: pipeline.NewFuture(), EnqueuedAt: time.Now(),
	}
	h.Queue.Enqueue(item)

	resp, perr := item.ResultFuture.Result()
	if perr != nil {
		status := perr.HTTPStatus()
		c.JSON(status, gin.H{"error": perr.Error()})
		return "", false
	}
	if resp.Body == nil || len(resp.Body.Choices) == 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "media: empty response from page"})
		return "", false
	}
	return resp.Body.Choices[0].Message.Content, true
}

func (h *Handler) handleSpeech(c *gin.Context) {
	var body SpeechRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, ok := h.submitPrompt(c, body.Model, body.Input)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "audio/mpeg", []byte(content))
}

func (h *Handler) handleImage(c *gin.Context) {
	var body ImageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, ok := h.submitPrompt(c, body.Model, body.Prompt)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ImageResponse{
		Created: time.Now().Unix(),
		Data:    []ImageData{{B64JSON: content}},
	})
}

func (h *Handler) handleVideo(c *gin.Context) {
	var body VideoRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, ok := h.submitPrompt(c, body.Model, body.Prompt)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, VideoResponse{
		Name: "operations/" + pipeline.NewReqID(), Done: true, ResultURL: content,
	})
}

func (h *Handler) handleNano(c *gin.Context) {
	var body NanoRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	parts := []studio.MessagePart{{Kind: "text", Text: body.Prompt}}
	for _, img := range body.Images {
		parts = append(parts, studio.MessagePart{Kind: "image", DataURI: img})
	}
	req := pipeline.ChatRequest{
		Model:    body.Model,
		Messages: []studio.Message{{Role: "user", Parts: parts}},
		Stream:   false,
	}
	item := &pipeline.QueuedItem{
		ReqID: pipeline.NewReqID(), Request: req, HTTPRequest: c.Request,
		ResultFuture: pipeline.NewFuture(), EnqueuedAt: time.Now(),
	}
	h.Queue.Enqueue(item)

	resp, perr := item.ResultFuture.Result()
	if perr != nil {
		c.JSON(perr.HTTPStatus(), gin.H{"error": perr.Error()})
		return
	}
	if resp.Body == nil || len(resp.Body.Choices) == 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "media: empty response from page"})
		return
	}
	c.JSON(http.StatusOK, ImageResponse{
		Created: time.Now().Unix(),
		Data:    []ImageData{{B64JSON: resp.Body.Choices[0].Message.Content}},
	})
}
