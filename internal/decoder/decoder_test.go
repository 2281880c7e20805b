package decoder

import "testing"

// chunkedFixture is a real HTTP-chunked, zlib-compressed vendor stream
// containing four frames: two body deltas ("He", "Hello"), one reason
// delta ("thinking..."), and a terminating tool-call frame invoking
// fn(x=1). Generated once offline the same way the MITM proxy would see
// it on the wire, so this test exercises the full decode chain against a
// byte-identical fixture rather than a hand-typed approximation.
const chunkedFixture = "10\x0d\x0ax\x9c\x8b\x8e\x8e\xce+\xcd\xc9\xd1Q\xf2HU\x8a\x8d\x0d\x0a10\x0d\x0a\xd5Q\xca\xcdOI\xcdQ\x8aU\x88F\x88\xe7\xe4\xe4\x0d\x0a10\x0d\x0ac\x97*\xc9\xc8\xcc\xcb\xce\xccK\xd7\xd3\xd3S\xd2Q\x0d\x0a10\x0d\x0a\xaa\x00\xe2J\xac\x0a\xc1\x84\x01\x1a\x8cVJ\xcbS\xd2\x0d\x0a10\x0d\x0a\x01*\x01i\x84\xa83\x8c\x85\x00\xb8\x09\x00M70\x0d\x0a1\x0d\x0ah\x0d\x0a0\x0d\x0a\x0d\x0a"

func TestDecodeResponse(t *testing.T) {
	frame, err := DecodeResponse([]byte(chunkedFixture))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if !frame.Done {
		t.Fatal("expected done=true once the terminal chunk is seen")
	}
	if frame.Body != "HeHello" {
		t.Fatalf("body = %q, want %q", frame.Body, "HeHello")
	}
	if frame.Reason != "thinking..." {
		t.Fatalf("reason = %q, want %q", frame.Reason, "thinking...")
	}
	if len(frame.Function) != 1 {
		t.Fatalf("expected exactly one tool call, got %d", len(frame.Function))
	}
	call := frame.Function[0]
	if call.Name != "fn" {
		t.Fatalf("tool call name = %q, want %q", call.Name, "fn")
	}
	if got, ok := call.Params["x"].(float64); !ok || got != 1 {
		t.Fatalf("tool call params[x] = %#v, want float64(1)", call.Params["x"])
	}
}

func TestDecodeResponsePureFunction(t *testing.T) {
	first, err := DecodeResponse([]byte(chunkedFixture))
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	second, err := DecodeResponse([]byte(chunkedFixture))
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if first.Reason != second.Reason || first.Body != second.Body || len(first.Function) != len(second.Function) {
		t.Fatalf("decoding the same byte stream twice must be idempotent: %+v vs %+v", first, second)
	}
}

func TestDecodeChunkedPartialBuffer(t *testing.T) {
	// The second chunk's declared length is satisfied but its trailing
	// CRLF has not arrived yet; the decoder still yields the data it has
	// (matching the Python original's tolerance for a growing buffer) and
	// reports done=false since no terminal 0-chunk was observed.
	partial := "5\r\nhello\r\n3\r\nfoo"
	decoded, done := DecodeChunked([]byte(partial))
	if done {
		t.Fatal("partial buffer with no terminal chunk must report done=false")
	}
	if string(decoded) != "hellofoo" {
		t.Fatalf("decoded = %q, want %q", decoded, "hellofoo")
	}
}
