// Package http provides the transport, request session, error classification
// and retry policies shared by all downloads.
package http

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/modelkeeper/modelkeeper/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for large file transfers.
//
// Key features:
//   - Proxy settings from HTTP_PROXY, HTTPS_PROXY and NO_PROXY
//   - Connection pool sized for a full image batch against one host
//   - Response header timeout only; bodies are bounded by the request context
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression so Content-Length matches bytes on disk
func CreateOptimizedClient() *nethttp.Client {
	tr := &nethttp.Transport{
		Proxy: nethttp.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialTimeout,
		}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   constants.MaxBatchWorkers,
		MaxConnsPerHost:       constants.MaxBatchWorkers,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.HTTPResponseHeaderTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{
		Transport: tr,
		Timeout:   0, // each operation sets its own deadline through its context
	}
}
