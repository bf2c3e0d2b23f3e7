// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package origin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, maxBody int64) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	c, err := New(Options{
		BaseURL:      "http://origin.test",
		UserAgent:    "CasCache/test",
		MaxBodyBytes: maxBody,
		Transport:    mock,
	})
	require.NoError(t, err)
	return c, mock
}

func TestFetchRewritesAndFilters(t *testing.T) {
	c, mock := newTestClient(t, 0)

	var seen *http.Request
	mock.RegisterResponder(http.MethodGet, "http://origin.test/page",
		func(req *http.Request) (*http.Response, error) {
			seen = req
			resp := httpmock.NewStringResponse(http.StatusOK, "<h1>hi</h1>")
			resp.Header.Set("Content-Type", "text/html")
			resp.Header.Set("Connection", "X-Secret")
			resp.Header.Set("X-Secret", "drop me")
			resp.Header.Set("Keep-Alive", "timeout=5")
			return resp, nil
		})

	in := httptest.NewRequest(http.MethodGet, "http://cache.example.com/page?lang=en", nil)
	in.Header.Set("Accept", "text/html")
	in.Header.Set("Accept-Encoding", "br")
	in.Header.Set("Proxy-Authorization", "secret")

	resp, err := c.Fetch(context.Background(), in, FetchOptions{NoCache: true})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<h1>hi</h1>", string(resp.Body))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("X-Secret"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))

	require.NotNil(t, seen)
	assert.Equal(t, "origin.test", seen.URL.Host)
	assert.Equal(t, "lang=en", seen.URL.RawQuery)
	assert.Equal(t, "no-cache", seen.Header.Get("Cache-Control"))
	assert.Equal(t, "text/html", seen.Header.Get("Accept"))
	assert.Empty(t, seen.Header.Get("Accept-Encoding"))
	assert.Empty(t, seen.Header.Get("Proxy-Authorization"))
	assert.Equal(t, "cache.example.com", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "192.0.2.1", seen.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "CasCache/test", seen.Header.Get("User-Agent"))
}

func TestFetchKeepsClientUserAgent(t *testing.T) {
	c, mock := newTestClient(t, 0)

	var ua string
	mock.RegisterResponder(http.MethodGet, "http://origin.test/",
		func(req *http.Request) (*http.Response, error) {
			ua = req.Header.Get("User-Agent")
			return httpmock.NewStringResponse(http.StatusOK, ""), nil
		})

	in := httptest.NewRequest(http.MethodGet, "/", nil)
	in.Header.Set("User-Agent", "Mozilla/5.0")
	_, err := c.Fetch(context.Background(), in, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0", ua)
}

func TestFetchErrorStatusIsNotAnError(t *testing.T) {
	c, mock := newTestClient(t, 0)
	mock.RegisterResponder(http.MethodGet, "http://origin.test/missing",
		httpmock.NewStringResponder(http.StatusNotFound, "not here"))

	resp, err := c.Get(context.Background(), "/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "not here", string(resp.Body))
}

func TestFetchNetworkError(t *testing.T) {
	c, mock := newTestClient(t, 0)
	mock.RegisterResponder(http.MethodGet, "http://origin.test/down",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.Get(context.Background(), "/down")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFetchBodyLimit(t *testing.T) {
	c, mock := newTestClient(t, 4)
	mock.RegisterResponder(http.MethodGet, "http://origin.test/big",
		httpmock.NewStringResponder(http.StatusOK, strings.Repeat("x", 5)))
	mock.RegisterResponder(http.MethodGet, "http://origin.test/fits",
		httpmock.NewStringResponder(http.StatusOK, "xxxx"))

	_, err := c.Get(context.Background(), "/big")
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.False(t, IsNetworkError(err))

	resp, err := c.Get(context.Background(), "/fits")
	require.NoError(t, err)
	assert.Equal(t, "xxxx", string(resp.Body))
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	c, mock := newTestClient(t, 0)
	mock.RegisterResponder(http.MethodGet, "http://origin.test/old",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusMovedPermanently, "")
			resp.Header.Set("Location", "/new")
			return resp, nil
		})

	resp, err := c.Get(context.Background(), "/old")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "/new", resp.Header.Get("Location"))
	assert.Equal(t, 0, mock.GetCallCountInfo()["GET http://origin.test/new"])
}

func TestNewRejectsBadBase(t *testing.T) {
	for _, base := range []string{"ftp://origin", "http://", "::"} {
		_, err := New(Options{BaseURL: base})
		assert.Error(t, err, base)
	}
}

func TestTargetKeepsBasePath(t *testing.T) {
	c, err := New(Options{BaseURL: "http://origin.test/app/"})
	require.NoError(t, err)

	in := httptest.NewRequest(http.MethodGet, "/a%2Fb?x=1", nil)
	assert.Equal(t, "http://origin.test/app/a%2Fb?x=1", c.target(in.URL))
}
