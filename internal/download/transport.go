package download

import (
	"context"
	"net"
	"net/http"
	"time"
)

// newHTTPClient builds the shared client: keep-alive connections with
// no socket cap, and dialing that prefers IPv4 (some CDN edges resolve
// AAAA records they never serve). Go enables TCP_NODELAY on every TCP
// connection it dials.
func newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network == "tcp" {
				if conn, err := dialer.DialContext(ctx, "tcp4", addr); err == nil {
					return conn, nil
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          0, // unbounded
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{Transport: transport}
}
