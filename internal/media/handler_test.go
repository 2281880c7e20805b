package media

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kestrelai/studiobridge/internal/pipeline"
	"github.com/kestrelai/studiobridge/internal/queueworker"
)

// drainOnce services exactly one item off q with the given assistant
// content, mimicking what queueworker.Worker/pipeline.Run would produce
// for a non-streaming request.
func drainOnce(q *queueworker.Queue, content string) {
	for {
		var item *pipeline.QueuedItem
		q.ForEach(func(i *pipeline.QueuedItem) {
			if item == nil {
				item = i
			}
		})
		if item != nil {
			break
		}
	}
	resp := &pipeline.Response{Body: &pipeline.ChatResponse{
		Choices: []struct {
			Index        int             `json:"index"`
			Message      pipeline.Message `json:"message"`
			FinishReason string          `json:"finish_reason"`
		}{{Message: pipeline.Message{Role: "assistant", Content: content}}},
	}}
	q.ForEach(func(i *pipeline.QueuedItem) {
		i.ResultFuture.Complete(resp)
	})
}

func newTestHandler() (*Handler, *queueworker.Queue) {
	q := queueworker.NewQueue()
	return NewHandler(nil, q), q
}

func TestHandleSpeechReturnsAudioBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, q := newTestHandler()
	r := gin.New()
	h.RegisterRoutes(r)

	go drainOnce(q, "fake-audio-bytes")

	req := httptest.NewRequest(http.MethodPost, "/generate-speech", strings.NewReader(`{"model":"tts-1","input":"hello","voice":"alloy"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "fake-audio-bytes" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "fake-audio-bytes")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", ct)
	}
}

func TestHandleImageReturnsB64JSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, q := newTestHandler()
	r := gin.New()
	h.RegisterRoutes(r)

	go drainOnce(q, "ZmFrZS1pbWFnZQ==")

	req := httptest.NewRequest(http.MethodPost, "/generate-image", strings.NewReader(`{"model":"imagen-3","prompt":"a cat","n":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var parsed ImageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Data[0].B64JSON != "ZmFrZS1pbWFnZQ==" {
		t.Fatalf("Data = %+v, want one entry with the encoded image", parsed.Data)
	}
}

func TestHandleSpeechRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, q := newTestHandler()
	_ = q
	r := gin.New()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/generate-speech", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a malformed body", rec.Code)
	}
}
