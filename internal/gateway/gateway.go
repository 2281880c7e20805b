// Package gateway implements the reverse proxy (C11): round-robin +
// rate-limit-aware worker selection, byte-level quota-keyword sniffing on
// responses, and buffering-free streaming pass-through. Grounded on
// original_source/src/gateway.py, generalized from aiohttp+FastAPI to
// net/http+gin.
package gateway

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kestrelai/studiobridge/internal/workerpool"
)

// RateLimitKeywords are scanned for, case-insensitively, against response
// bytes (spec §6).
var RateLimitKeywords = []string{"exceeded quota", "out of free generations", "rate limit"}

// Gateway forwards OpenAI-shaped and media requests to the worker chosen
// by Pool, reporting rate-limit hits back into it.
type Gateway struct {
	Pool   *workerpool.Pool
	Client *http.Client
}

// NewGateway builds a Gateway with a pooled HTTP client matching the
// original's aiohttp connector settings (100 total, 20 per host, 30s
// keep-alive).
func NewGateway(pool *workerpool.Pool) *Gateway {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Gateway{Pool: pool, Client: &http.Client{Transport: transport, Timeout: 0}}
}

// RegisterRoutes wires the gateway's HTTP surface onto r.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/", g.handleRoot)
	r.GET("/health", g.handleHealth)
	r.GET("/v1/models", g.handleModels)
	r.POST("/v1/chat/completions", g.handleChatCompletions)

	for _, path := range []string{"/generate-speech", "/generate-image", "/generate-video", "/nano/generate"} {
		p := path
		r.POST(p, func(c *gin.Context) { g.forwardMedia(c, p) })
	}
	r.POST("/v1beta/models/:model", g.handleV1Beta)
}

func (g *Gateway) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": "gateway", "workers": len(g.Pool.GetStatus())})
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": len(g.Pool.GetStatus())})
}

func (g *Gateway) handleModels(c *gin.Context) {
	w := g.Pool.GetWorkerForModel("")
	if w == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no workers available"})
		return
	}
	g.proxyGet(c, w.Port, "/v1/models")
}

func (g *Gateway) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	w := g.Pool.GetWorkerForModel(model)
	if w == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no workers available"})
		return
	}
	g.Pool.IncrementRequestCount(w.ID)

	// Stamp a gateway-minted correlation id onto the forwarded body so a
	// request's gateway-side and worker-side log lines can be joined; the
	// worker's own JSON binding silently ignores the extra field.
	gatewayReqID := uuid.NewString()
	if patched, err := sjson.SetBytes(body, "_gateway_request_id", gatewayReqID); err == nil {
		body = patched
	}
	c.Header("X-Gateway-Request-ID", gatewayReqID)

	if stream {
		g.proxyStream(c, w, model, body)
		return
	}
	g.proxyChat(c, w, model, body)
}

func (g *Gateway) proxyChat(c *gin.Context, w *workerpool.Worker, model string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, workerURL(w.Port, "/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	copyForwardHeaders(c.Request, req)

	resp, err := g.Client.Do(req)
	if err != nil {
		log.WithError(err).Warn("gateway: forward /v1/chat/completions failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if containsRateLimitKeyword(content) {
		go g.Pool.MarkRateLimited(w.ID, model)
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), content)
}

func (g *Gateway) proxyStream(c *gin.Context, w *workerpool.Worker, model string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, workerURL(w.Port, "/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	copyForwardHeaders(c.Request, req)

	resp, err := g.Client.Do(req)
	if err != nil {
		log.WithError(err).Warn("gateway: forward stream failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	rateLimited := false
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !rateLimited && containsRateLimitKeyword(chunk) {
				rateLimited = true
			}
			if _, werr := c.Writer.Write(chunk); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	if rateLimited {
		go g.Pool.MarkRateLimited(w.ID, model)
	}
}

func (g *Gateway) forwardMedia(c *gin.Context, path string) {
	w := g.Pool.GetWorkerForModel("")
	if w == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no workers available"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	g.proxyGenericPost(c, w.Port, path, body)
}

func (g *Gateway) handleV1Beta(c *gin.Context) {
	model := c.Param("model")
	action := strings.TrimPrefix(c.Request.URL.Path, "/v1beta/models/"+model)
	w := g.Pool.GetWorkerForModel("")
	if w == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no workers available"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	g.proxyGenericPost(c, w.Port, "/v1beta/models/"+model+action, body)
}

func (g *Gateway) proxyGenericPost(c *gin.Context, port int, path string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, workerURL(port, path), bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	copyForwardHeaders(c.Request, req)
	resp, err := g.Client.Do(req)
	if err != nil {
		log.WithError(err).Warnf("gateway: forward %s failed", path)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), content)
}

func (g *Gateway) proxyGet(c *gin.Context, port int, path string) {
	resp, err := g.Client.Get(workerURL(port, path))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), content)
}

func workerURL(port int, path string) string {
	return "http://127.0.0.1:" + itoa(port) + path
}

func itoa(n int) string {
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

func copyForwardHeaders(src *http.Request, dst *http.Request) {
	dst.Header.Set("Content-Type", "application/json")
	for k, vv := range src.Header {
		lower := strings.ToLower(k)
		if lower == "host" || lower == "content-length" || lower == "transfer-encoding" || lower == "content-type" {
			continue
		}
		for _, v := range vv {
			dst.Header.Add(k, v)
		}
	}
}

func containsRateLimitKeyword(b []byte) bool {
	lower := bytes.ToLower(b)
	for _, kw := range RateLimitKeywords {
		if bytes.Contains(lower, []byte(kw)) {
			return true
		}
	}
	return false
}
