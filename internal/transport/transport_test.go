package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRoundTripper struct {
	closed int
}

func (c *countingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, http.ErrNotSupported
}

func (c *countingRoundTripper) CloseIdleConnections() {
	c.closed++
}

func TestOwnedHandleReleasesConnections(t *testing.T) {
	h := Owned(5 * time.Second)
	rt := &countingRoundTripper{}
	h.client.Transport = rt

	assert.True(t, h.Owned())
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	assert.Equal(t, 2, rt.closed)
}

func TestBorrowedHandleLeavesClientAlone(t *testing.T) {
	rt := &countingRoundTripper{}
	caller := &http.Client{Transport: rt}

	h := Borrowed(caller)
	assert.False(t, h.Owned())
	assert.Same(t, caller, h.Client())
	assert.NoError(t, h.Close())
	assert.Zero(t, rt.closed)
}

func TestBorrowedNilFallsBackToOwned(t *testing.T) {
	h := Borrowed(nil)
	assert.True(t, h.Owned())
	assert.NotNil(t, h.Client())
}

func TestNilHandleClose(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Close())
}

func headerTimeout(t *testing.T, c *http.Client) time.Duration {
	t.Helper()
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	return tr.ResponseHeaderTimeout
}

func TestNewHTTPClientTimeouts(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultTimeout},
		{3 * time.Second, 3 * time.Second},
		{-1, 0},
	} {
		c := NewHTTPClient(tc.in)
		assert.Zero(t, c.Timeout)
		assert.Equal(t, tc.want, headerTimeout(t, c))
	}
}
