// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrBodyTooLarge = errors.New("origin: response body exceeds limit")

// NetworkError is a transport failure: the origin could not be reached or
// the exchange broke before a complete response arrived.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Response is a fully buffered origin response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type FetchOptions struct {
	// NoCache asks every cache on the way to revalidate
	NoCache bool
}

type Options struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// Transport defaults to http.DefaultTransport
	Transport http.RoundTripper
}

type Client struct {
	base    *url.URL
	http    *http.Client
	maxBody int64
}

// userAgentRoundTripper fills in User-Agent for requests that carry none,
// such as precache and background refresh fetches.
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" || rt.userAgent == "" {
		return rt.wrapped.RoundTrip(req)
	}
	// clone request to avoid mutating the original
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("origin url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin url %q: scheme must be http or https", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("origin url %q: missing host", opts.BaseURL)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		base: base,
		http: &http.Client{
			Transport: &userAgentRoundTripper{wrapped: transport, userAgent: opts.UserAgent},
			Timeout:   opts.Timeout,
			// Redirects are the browser's business
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: opts.MaxBodyBytes,
	}, nil
}

// BaseURL returns the configured origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Fetch sends req to the origin and buffers the answer. HTTP error statuses
// are returned as responses, only transport failures are errors.
func (c *Client) Fetch(ctx context.Context, req *http.Request, opts FetchOptions) (*Response, error) {
	target := c.target(req.URL)

	out, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	copyEndToEnd(out.Header, req.Header)
	// Let the transport negotiate and undo compression so stored bodies are plain
	out.Header.Del("Accept-Encoding")
	addForwarded(out, req)
	if opts.NoCache {
		out.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, fmt.Errorf("fetch %s: %w", target, err)
		}
		return nil, &NetworkError{URL: target, Err: err}
	}

	header := http.Header{}
	copyEndToEnd(header, resp.Header)
	header.Del("Content-Length")
	if resp.Uncompressed {
		header.Del("Content-Encoding")
	}

	return &Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

// Get fetches a path from the origin without any client context.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, req, FetchOptions{})
}

func (c *Client) target(u *url.URL) string {
	t := *c.base
	t.Path = strings.TrimSuffix(c.base.Path, "/") + u.Path
	t.RawPath = ""
	if u.RawPath != "" {
		t.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + u.RawPath
	}
	t.RawQuery = u.RawQuery
	t.Fragment = ""
	return t.String()
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	if c.maxBody <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyEndToEnd(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, field := range src.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func addForwarded(out, in *http.Request) {
	if in.RemoteAddr != "" {
		if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
			if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
				ip = prior + ", " + ip
			}
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	if in.Host != "" && out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if in.TLS != nil {
			proto = "https"
		}
		out.Header.Set("X-Forwarded-Proto", proto)
	}
}
