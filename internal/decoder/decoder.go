// Package decoder implements the Response Decoder (C3): it un-chunks an
// HTTP chunked-transfer body, inflates the vendor's zlib/gzip-compressed
// stream, and regex-extracts the proprietary nested-array frames into the
// {reason, body, function[], done} shape the pipeline (C7) consumes.
//
// This is a verbatim port, in semantics, of
// original_source/stream/interceptors.py's HttpInterceptor.
package decoder

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// Frame is the decoded vendor payload handed to the pipeline over the
// MITM side-channel queue. Reason and Body are cumulative across frames of
// the same request; Function is only populated on the terminating frame.
//
// The side channel also carries a second, unrelated message shape — the
// jserror rate-limit notice spec §4.1 describes — which rides the same
// queue. RateLimitPath is non-empty exactly when this Frame is such a
// notice rather than a decoded response fragment; every other field is
// zero-valued in that case.
type Frame struct {
	Reason   string     `json:"reason"`
	Body     string     `json:"body"`
	Function []ToolCall `json:"function"`
	Done     bool       `json:"done"`

	RateLimitPath string `json:"-"`
}

// NewRateLimitNotice builds the side-channel message C4 publishes when it
// observes a jserror path containing a quota keyword (spec §4.1).
func NewRateLimitNotice(path string) Frame {
	return Frame{RateLimitPath: path}
}

// IsRateLimitNotice reports whether f is a jserror quota notice rather
// than a decoded response fragment.
func (f Frame) IsRateLimitNotice() bool {
	return f.RateLimitPath != ""
}

// ToolCall is one function call extracted from a terminating frame.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// framePattern mirrors interceptors.py's `rb'\[\[\[null,.*?]],"model"]'`.
// Go's RE2 engine has no true lazy quantifier semantics identical to
// Python's backtracking `.*?`, but over single-line byte buffers (no `\n`
// inside the matched span in practice) `.*?` under RE2 produces the same
// shortest-match result, so the pattern translates unchanged.
var framePattern = regexp.MustCompile(`\[\[\[null,.*?]],"model"]`)

// DecodeChunked reads a (possibly partial) HTTP chunked-transfer body and
// returns the de-chunked payload plus whether the terminal 0-length chunk
// was observed. Mirrors _decode_chunked exactly, including its
// best-effort/partial-buffer tolerance (MITM relay calls this against a
// growing buffer, not a complete message).
func DecodeChunked(body []byte) (decoded []byte, done bool) {
	out := make([]byte, 0, len(body))
	for {
		idx := bytes.Index(body, []byte("\r\n"))
		if idx == -1 {
			break
		}
		hexLen := body[:idx]
		length, err := strconv.ParseInt(string(hexLen), 16, 64)
		if err != nil {
			break
		}
		if length == 0 {
			if bytes.Contains(body, []byte("0\r\n\r\n")) {
				return out, true
			}
		}
		if int(length)+2 > len(body) {
			break
		}
		chunkStart := idx + 2
		chunkEnd := chunkStart + int(length)
		out = append(out, body[chunkStart:chunkEnd]...)
		if chunkEnd+2 > len(body) {
			break
		}
		body = body[chunkEnd+2:]
	}
	return out, false
}

// InflateZlibOrGzip decompresses a zlib- or gzip-framed stream. Python's
// zlib.decompressobj(wbits=zlib.MAX_WBITS | 32) auto-detects either header;
// Go's compress/zlib.NewReader accepts only the zlib header, so the gzip
// magic bytes (0x1f 0x8b) are sniffed here and routed to compress/gzip
// (grounded additionally on the teacher's internal/logging/request_logger.go
// decompressGzip/decompressDeflate pair, which reaches for stdlib
// compress/* for this same un-chunk-then-decompress shape).
func InflateZlibOrGzip(compressed []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	if len(compressed) >= 2 && compressed[0] == 0x1f && compressed[1] == 0x8b {
		r, err = gzip.NewReader(bytes.NewReader(compressed))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(compressed))
	}
	if err != nil {
		return nil, fmt.Errorf("decoder: open compressed stream: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("decoder: inflate: %w", err)
	}
	return out, nil
}

// ParseFrames applies the regex/length-keyed extraction over an already
// inflated byte buffer and returns the cumulative {reason, body, function}.
func ParseFrames(inflated []byte) Frame {
	frame := Frame{Function: []ToolCall{}}

	matches := framePattern.FindAll(inflated, -1)
	for _, match := range matches {
		var outer []any
		if err := json.Unmarshal(match, &outer); err != nil {
			continue
		}
		payload, ok := extractPayload(outer)
		if !ok {
			continue
		}

		switch {
		case len(payload) == 2:
			if s, ok := payload[1].(string); ok {
				frame.Body += s
			}
		case len(payload) == 11 && payload[1] == nil && isList(payload[10]):
			toolArray, _ := payload[10].([]any)
			if len(toolArray) >= 2 {
				name, _ := toolArray[0].(string)
				params := parseToolCallParams(toolArray[1])
				frame.Function = append(frame.Function, ToolCall{Name: name, Params: params})
			}
		case len(payload) > 2:
			if s, ok := payload[1].(string); ok {
				frame.Reason += s
			}
		}
	}
	return frame
}

// extractPayload mirrors `json_data[0][0]` with the original's blanket
// try/except continue on any shape mismatch.
func extractPayload(outer []any) ([]any, bool) {
	if len(outer) == 0 {
		return nil, false
	}
	first, ok := outer[0].([]any)
	if !ok || len(first) == 0 {
		return nil, false
	}
	payload, ok := first[0].([]any)
	return payload, ok
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// parseToolCallParams recurses through the length-keyed tool-call argument
// encoding: 1 entry -> nil, 2 -> raw value, 3 -> index 2, 4 -> bool from
// index 3 (true iff == 1), 5 -> recurse into index 4. Mirrors
// parse_toolcall_params verbatim, including swallowing shape mismatches by
// skipping the offending parameter rather than failing the whole frame.
func parseToolCallParams(args any) map[string]any {
	result := map[string]any{}

	outer, ok := args.([]any)
	if !ok || len(outer) == 0 {
		return result
	}
	params, ok := outer[0].([]any)
	if !ok {
		return result
	}

	for _, p := range params {
		entry, ok := p.([]any)
		if !ok || len(entry) < 2 {
			continue
		}
		name, _ := entry[0].(string)
		valueList, ok := entry[1].([]any)
		if !ok {
			continue
		}
		switch len(valueList) {
		case 1:
			result[name] = nil
		case 2:
			result[name] = valueList[1]
		case 3:
			result[name] = valueList[2]
		case 4:
			result[name] = isOne(valueList[3])
		case 5:
			result[name] = parseToolCallParams(valueList[4])
		}
	}
	return result
}

func isOne(v any) bool {
	n, ok := v.(float64)
	return ok && n == 1
}
