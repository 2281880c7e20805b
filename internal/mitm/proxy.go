// Package mitm implements the intercepting proxy (C4): the browser's own
// traffic is routed through it; non-target hosts are relayed
// transparently, target hosts are split-inspected to extract the vendor's
// proprietary streaming payload and jserror-path quota notices onto the
// SideChannel. Grounded on original_source/stream/proxy_server.py's
// accept-loop-plus-relay shape and interceptors.py's sniffing rules.
package mitm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/certauthority"
	"github.com/kestrelai/studiobridge/internal/decoder"
	"github.com/kestrelai/studiobridge/internal/upstream"
)

// quotaKeywords are scanned, case-insensitively, against a jserror
// request's path (spec §4.1).
var quotaKeywords = []string{"quota", "limit", "exceeded"}

// Proxy is the MITM listener: one Accept loop, one goroutine pair per
// connection.
type Proxy struct {
	Authority     *certauthority.Authority
	Dialer        *upstream.Dialer
	TargetDomains []string
	SideChannel   *SideChannel

	listener net.Listener
}

// NewProxy builds a Proxy over the given CA, dialer, target-domain suffix
// list, and side channel.
func NewProxy(authority *certauthority.Authority, dialer *upstream.Dialer, targetDomains []string, sideChannel *SideChannel) *Proxy {
	return &Proxy{Authority: authority, Dialer: dialer, TargetDomains: targetDomains, SideChannel: sideChannel}
}

// ListenAndServe binds addr and serves connections until ctx is
// cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mitm: listen: %w", err)
	}
	p.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.WithError(err).Warn("mitm: accept failed")
				continue
			}
		}
		go p.handleConn(ctx, conn)
	}
}

// matchesTarget reports whether host equals or ends with the suffix of
// any pattern in p.TargetDomains (spec §4.1's "*.example.com" semantics).
func (p *Proxy) matchesTarget(host string) bool {
	for _, pattern := range p.TargetDomains {
		suffix := strings.TrimPrefix(pattern, "*")
		if host == pattern || strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (p *Proxy) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	reader := bufio.NewReader(client)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(requestLine)
	if len(parts) < 2 || !strings.EqualFold(parts[0], "CONNECT") {
		return
	}
	hostport := parts[1]
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}

	// Consume the remaining CONNECT request headers up to the blank line.
	for {
		line, errRead := reader.ReadString('\n')
		if errRead != nil {
			return
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if !p.matchesTarget(host) {
		p.relayTransparent(ctx, client, reader, hostport)
		return
	}
	p.relayInspect(ctx, client, reader, host, hostport)
}

// relayTransparent handles a non-matching host: reply 200, dial the
// origin, shovel bytes bidirectionally until either side closes.
func (p *Proxy) relayTransparent(ctx context.Context, client net.Conn, clientReader *bufio.Reader, hostport string) {
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	origin, err := p.Dialer.DialContext(ctx, hostport)
	if err != nil {
		log.WithError(err).WithField("host", hostport).Warn("mitm: transparent dial failed")
		return
	}
	defer origin.Close()

	shovelBidirectional(clientReader, client, origin)
}

// relayInspect handles a matching host: TLS-terminate to the client,
// dial+TLS to the origin, and run the split-inspect relay.
func (p *Proxy) relayInspect(ctx context.Context, client net.Conn, clientReader *bufio.Reader, host, hostport string) {
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	// Any buffered bytes the client already queued post-CONNECT before our
	// reply landed are discarded; the real traffic starts with a TLS
	// ClientHello, read fresh by the server handshake below.
	discardBuffered(clientReader)

	leaf, err := p.Authority.LeafFor(host)
	if err != nil {
		log.WithError(err).WithField("host", host).Warn("mitm: leaf cert mint failed")
		return
	}

	tlsClient := tls.Server(client, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := tlsClient.HandshakeContext(ctx); err != nil {
		logIfNotSwallowed(err, host)
		return
	}
	defer tlsClient.Close()

	origin, err := p.Dialer.DialTLSContext(ctx, hostport, host, []string{"http/1.1"})
	if err != nil {
		log.WithError(err).WithField("host", host).Warn("mitm: origin TLS dial failed")
		return
	}
	defer origin.Close()

	p.splitInspectRelay(ctx, tlsClient, origin)
}

func discardBuffered(r *bufio.Reader) {
	for r.Buffered() > 0 {
		_, _ = r.Discard(r.Buffered())
	}
}

// splitInspectRelay runs the two concurrent tasks spec §4.1 describes:
// upstream (client→origin) flags requests for sniffing and scans jserror
// paths; downstream (origin→client) decodes flagged response bodies onto
// the side channel.
func (p *Proxy) splitInspectRelay(ctx context.Context, client, origin net.Conn) {
	var wg sync.WaitGroup
	flagged := make(chan bool, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.relayUpstream(client, origin, flagged)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.relayDownstream(origin, client, flagged)
	}()

	wg.Wait()
}

// relayUpstream copies client->origin, buffering until the header
// terminator to inspect the request line and path, then forwarding the
// rest verbatim.
func (p *Proxy) relayUpstream(client, origin net.Conn, flagged chan<- bool) {
	defer origin.Close()

	var headerBuf bytes.Buffer
	buf := make([]byte, 32*1024)
	inspected := false

	for {
		n, err := client.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !inspected {
				headerBuf.Write(chunk)
				if idx := bytes.Index(headerBuf.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
					inspected = true
					inspectRequest(headerBuf.Bytes()[:idx], p.SideChannel, flagged)
				}
			}
			if _, werr := origin.Write(chunk); werr != nil {
				logIfNotSwallowed(werr, "upstream write")
				return
			}
		}
		if err != nil {
			if !inspected {
				// Connection closed before headers completed: nothing was
				// ever flagged for sniffing.
				select {
				case flagged <- false:
				default:
				}
			}
			logIfNotSwallowed(err, "upstream read")
			return
		}
	}
}

// inspectRequest parses the buffered request-line+headers and applies
// spec §4.1's flagging rules.
func inspectRequest(headers []byte, sc *SideChannel, flagged chan<- bool) {
	lines := bytes.SplitN(headers, []byte("\r\n"), 2)
	requestLine := string(lines[0])
	fields := strings.Fields(requestLine)
	path := ""
	if len(fields) >= 2 {
		path = fields[1]
	}

	isGenerateContent := strings.Contains(path, "GenerateContent")
	select {
	case flagged <- isGenerateContent:
	default:
	}

	if strings.Contains(path, "jserror") {
		lowerPath := strings.ToLower(path)
		for _, kw := range quotaKeywords {
			if strings.Contains(lowerPath, kw) {
				sc.Publish(decoder.NewRateLimitNotice(path))
				break
			}
		}
	}
}

// relayDownstream copies origin->client, buffering the current response
// body until the chunked terminator when the matching request was
// flagged, decoding it through C3 and publishing the result on the side
// channel; bytes flow to the client unchanged regardless.
func (p *Proxy) relayDownstream(origin, client net.Conn, flagged <-chan bool) {
	defer client.Close()

	var headerBuf bytes.Buffer
	var bodyBuf bytes.Buffer
	inHeaders := true
	isFlagged := false
	gotFlag := false

	buf := make([]byte, 32*1024)
	for {
		n, err := origin.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if inHeaders {
				headerBuf.Write(chunk)
				if idx := bytes.Index(headerBuf.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
					inHeaders = false
					if !gotFlag {
						select {
						case isFlagged = <-flagged:
						default:
							isFlagged = false
						}
						gotFlag = true
					}
					rest := headerBuf.Bytes()[idx+4:]
					if isFlagged && len(rest) > 0 {
						bodyBuf.Write(rest)
					}
				}
			} else if isFlagged {
				bodyBuf.Write(chunk)
			}

			if _, werr := client.Write(chunk); werr != nil {
				logIfNotSwallowed(werr, "downstream write")
				return
			}

			if isFlagged && !inHeaders && bodyBuf.Len() > 0 {
				frame, decErr := decoder.DecodeResponse(bodyBuf.Bytes())
				if decErr == nil {
					p.SideChannel.Publish(frame)
				}
				if frame.Done {
					bodyBuf.Reset()
				}
			}
		}
		if err != nil {
			logIfNotSwallowed(err, "downstream read")
			return
		}
	}
}

// shovelBidirectional copies bytes both ways between an already-buffered
// client reader and an origin connection, for the transparent-relay path.
func shovelBidirectional(clientReader *bufio.Reader, client, origin net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(origin, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, origin)
		done <- struct{}{}
	}()
	<-done
}

// logIfNotSwallowed implements spec §4.1's shutdown rule: close-notify
// and connection-reset errors are normal browser teardown and swallowed;
// everything else is logged at ERROR.
func logIfNotSwallowed(err error, stage string) {
	if err == nil || err == io.EOF {
		return
	}
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "application data after close notify") {
		return
	}
	log.WithError(err).WithField("stage", stage).Error("mitm: relay error")
}
