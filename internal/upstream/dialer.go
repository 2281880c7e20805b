// Package upstream provides the origin-leg dial helper used by the MITM
// proxy (C4): a direct TCP/TLS dial, or one routed through an optional
// HTTP CONNECT or SOCKS5 proxy.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// Dialer dials the origin side of an intercepted connection, optionally
// through an upstream HTTP or SOCKS5 proxy. Generalizes the teacher's
// util.SetProxy (internal/util/proxy.go), which wires the same two proxy
// schemes onto an *http.Transport, down to the raw net.Conn level the MITM
// relay needs.
type Dialer struct {
	// ProxyURL is empty for a direct dial, or a socks5:// / http:// URL.
	ProxyURL string
	net.Dialer
}

// NewDialer builds a Dialer from a raw proxy URL string (as read from
// config.Config.ProxyURL); an empty string means direct dialing.
func NewDialer(proxyURL string) *Dialer {
	return &Dialer{ProxyURL: proxyURL}
}

// DialContext dials addr, routing through the configured proxy if any.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	if d.ProxyURL == "" {
		return d.Dialer.DialContext(ctx, "tcp", addr)
	}

	u, err := url.Parse(d.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid proxy url: %w", err)
	}

	switch u.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		sockDialer, errSocks := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if errSocks != nil {
			return nil, errSocks
		}
		return sockDialer.Dial("tcp", addr)
	case "http", "https":
		return d.dialViaHTTPConnect(ctx, u.Host, addr)
	default:
		return nil, fmt.Errorf("upstream: unsupported proxy scheme %q", u.Scheme)
	}
}

// DialTLSContext dials addr and performs a TLS client handshake negotiating
// only the given ALPN protocols (the MITM's origin leg offers http/1.1 only
// per spec §4.1 step 3).
func (d *Dialer) DialTLSContext(ctx context.Context, addr, serverName string, alpn []string) (*tls.Conn, error) {
	raw, err := d.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, &tls.Config{ServerName: serverName, NextProtos: alpn})
	if err = conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// dialViaHTTPConnect performs a plain HTTP CONNECT to reach addr through an
// upstream HTTP proxy.
func (d *Dialer) dialViaHTTPConnect(ctx context.Context, proxyAddr, addr string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	if _, err = conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var major, minor, status int
	if _, err = fmt.Sscanf(line, "HTTP/%d.%d %d", &major, &minor, &status); err != nil || status != 200 {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream: proxy CONNECT failed: %s", line)
	}
	// Discard the remaining response headers up to the blank line.
	for {
		hdr, errRead := reader.ReadString('\n')
		if errRead != nil {
			_ = conn.Close()
			return nil, errRead
		}
		if hdr == "\r\n" || hdr == "\n" {
			break
		}
	}
	return conn, nil
}
