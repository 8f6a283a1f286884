// Package upstream issues the HTTP call to the upstream Messages API,
// injecting the first-party-CLI header set and applying the 401/429/529
// retry policy (C6, spec.md §4.6).
package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// newTransport builds an http2.Transport that dials TLS through utls'
// Chrome fingerprint instead of the stdlib's, so the upstream sees the
// same handshake shape its first-party CLI produces.
func newTransport() http.RoundTripper {
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// NewHTTPClient builds the singleton client used for every upstream call.
// A single client is sufficient: spec.md §5 requires no per-session
// transport isolation, only the 2-minute hard timeout per request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(),
		Timeout:   timeout,
	}
}
