// Package safehttp provides an HTTP transport that refuses to reach private
// networks, used for operator-configured outbound webhooks.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DialTimeout bounds the TCP connect of each outbound request.
const DialTimeout = 5 * time.Second

// Denied reports whether ip belongs to a loopback, private or link-local range.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// NewTransport returns a transport that checks the connected peer address and
// closes the connection when it is Denied.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DialTimeout}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			ip := net.ParseIP(host)
			if ip == nil {
				conn.Close()
				return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
			}
			if Denied(ip) {
				conn.Close()
				return nil, fmt.Errorf("access to private IP %s is denied", ip)
			}
			return conn, nil
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
