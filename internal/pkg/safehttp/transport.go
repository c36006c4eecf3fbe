// Package safehttp provides an HTTP transport that refuses to dial private
// address space, for use when dereferencing caller-supplied URLs.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewTransport returns a transport that rejects connections to loopback,
// private, and link-local IP ranges to reduce SSRF risk. When allowPrivate is
// true (development mode) the guard is disabled but timeouts still apply.
func NewTransport(allowPrivate bool) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			if allowPrivate {
				return conn, nil
			}

			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			ip := net.ParseIP(host)
			if ip == nil {
				conn.Close()
				return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
			}

			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				conn.Close()
				return nil, fmt.Errorf("access to private IP %s is denied", ip)
			}

			return conn, nil
		},
		ResponseHeaderTimeout: 10 * time.Second,
	}
}
