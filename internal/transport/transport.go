// Package transport owns the HTTP client a chat client talks through.
package transport

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Handle wraps an *http.Client together with who is responsible for it.
// Only an owned handle releases connections on Close.
type Handle struct {
	client *http.Client
	owned  bool
}

// Owned builds a dedicated client. A zero timeout means DefaultTimeout; a
// negative one disables the response header deadline.
func Owned(timeout time.Duration) *Handle {
	return &Handle{client: NewHTTPClient(timeout), owned: true}
}

// Borrowed wraps a caller's client. Close leaves it untouched.
func Borrowed(client *http.Client) *Handle {
	if client == nil {
		return Owned(0)
	}
	return &Handle{client: client}
}

// Client returns the underlying client.
func (h *Handle) Client() *http.Client {
	return h.client
}

// Owned reports whether Close releases the client's connections.
func (h *Handle) Owned() bool {
	return h.owned
}

func (h *Handle) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

// Close drops idle connections of an owned client. It is safe to call more
// than once.
func (h *Handle) Close() error {
	if h == nil || !h.owned {
		return nil
	}
	h.client.CloseIdleConnections()
	return nil
}

// NewHTTPClient returns a client with a tuned transport. The timeout bounds
// the wait for response headers only; a body that keeps arriving is never
// cut off, so long streams survive. Callers bound the whole exchange with
// the request context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{Transport: transport}
}
