// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/storage"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"
	SourceBypass   Source = "bypass"
)

type Strategy string

const (
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyBypass               Strategy = "bypass"
)

// OfflineBody is the last resort answer for a navigation.
const OfflineBody = "Offline"

type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy Strategy
}

func resultFromResponse(resp *origin.Response, source Source, strategy Strategy) *Result {
	return &Result{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Source:   source,
		Strategy: strategy,
	}
}

func resultFromEntry(e *storage.Entry, source Source, strategy Strategy) *Result {
	return &Result{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     e.Body,
		Source:   source,
		Strategy: strategy,
	}
}

// IsNavigation reports whether req loads a document. Fetch metadata wins;
// without it a GET preferring HTML counts.
func IsNavigation(req *http.Request) bool {
	mode := req.Header.Get("Sec-Fetch-Mode")
	dest := req.Header.Get("Sec-Fetch-Dest")
	if mode == "navigate" || dest == "document" {
		return true
	}
	if mode != "" || dest != "" {
		return false
	}
	return req.Method == http.MethodGet && prefersHTML(req.Header.Get("Accept"))
}

func prefersHTML(accept string) bool {
	var htmlQ, otherQ float64
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mediaType, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			htmlQ = max(htmlQ, q)
		default:
			otherQ = max(otherQ, q)
		}
	}
	return htmlQ > 0 && htmlQ >= otherQ
}

// HandleFetch answers req with network-first for navigations and
// stale-while-revalidate for everything else. An error means the network
// failed and nothing could be served.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*Result, error) {
	var (
		res *Result
		err error
	)
	if IsNavigation(req) {
		res = w.networkFirst(ctx, req)
	} else {
		res, err = w.staleWhileRevalidate(ctx, req)
	}
	if err != nil {
		metrics.RecordFetch(string(StrategyStaleWhileRevalidate), "error")
		return nil, err
	}
	metrics.RecordFetch(string(res.Strategy), string(res.Source))
	return res, nil
}

// validators are the request headers that let the origin answer 304 with
// no body. The worker always needs the full representation to store.
var validators = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// unconditional returns req without validators. Only GET and HEAD are
// rewritten, preconditions on other methods are left for the origin.
func unconditional(req *http.Request) *http.Request {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return req
	}
	var clone *http.Request
	for _, name := range validators {
		if req.Header.Get(name) == "" {
			continue
		}
		if clone == nil {
			clone = req.Clone(req.Context())
		}
		clone.Header.Del(name)
	}
	if clone == nil {
		return req
	}
	return clone
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) *Result {
	resp, err := w.origin.Fetch(ctx, unconditional(req), origin.FetchOptions{NoCache: true})
	if err != nil {
		w.log.Debug("Navigation to " + storage.RequestKey(req.URL) + " failed, serving offline: " + err.Error())
		return w.offlineFallback(ctx, req)
	}

	// Cache API put refuses anything but GET and partial responses. A 304
	// carries no body and would replace the stored document.
	if req.Method == http.MethodGet && resp.Status != http.StatusPartialContent && resp.Status != http.StatusNotModified {
		w.store(ctx, req, resp)
	}
	return resultFromResponse(resp, SourceNetwork, StrategyNetworkFirst)
}

func (w *Worker) offlineFallback(ctx context.Context, req *http.Request) *Result {
	opts := storage.MatchOptions{IgnoreMethod: req.Method == http.MethodHead}
	e, err := w.storage.Match(ctx, req, opts)
	if err == nil {
		return resultFromEntry(e, SourceCache, StrategyNetworkFirst)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		w.log.Warn("Offline lookup of " + storage.RequestKey(req.URL) + ": " + err.Error())
	}

	for _, path := range w.fallbacks {
		fallback, err := storage.NewRequest(path)
		if err != nil {
			continue
		}
		fallback.Header = req.Header.Clone()
		if e, err := w.storage.Match(ctx, fallback, storage.MatchOptions{}); err == nil {
			return resultFromEntry(e, SourceFallback, StrategyNetworkFirst)
		}
	}

	if len(w.offline) > 0 {
		return &Result{
			Status:   http.StatusServiceUnavailable,
			Header:   http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:     w.offline,
			Source:   SourceOffline,
			Strategy: StrategyNetworkFirst,
		}
	}

	return &Result{
		Status:   http.StatusServiceUnavailable,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     []byte(OfflineBody),
		Source:   SourceOffline,
		Strategy: StrategyNetworkFirst,
	}
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request) (*Result, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if cached := w.lookup(ctx, req); cached != nil {
			w.refresher.refresh(req)
			return resultFromEntry(cached, SourceStale, StrategyStaleWhileRevalidate), nil
		}
	}

	resp, err := w.origin.Fetch(ctx, unconditional(req), origin.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodGet && resp.Status == http.StatusOK {
		w.store(ctx, req, resp)
	}
	return resultFromResponse(resp, SourceNetwork, StrategyStaleWhileRevalidate), nil
}

func (w *Worker) lookup(ctx context.Context, req *http.Request) *storage.Entry {
	bucket, err := w.cache(ctx)
	if err != nil {
		w.log.Warn("Open " + w.bucket + ": " + err.Error())
		return nil
	}
	e, err := bucket.Match(ctx, req, storage.MatchOptions{
		IgnoreSearch: true,
		IgnoreMethod: req.Method == http.MethodHead,
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.log.Warn("Lookup of " + storage.RequestKey(req.URL) + ": " + err.Error())
		}
		return nil
	}
	return e
}

// store writes resp before the response is returned, so a reload right
// after sees it.
func (w *Worker) store(ctx context.Context, req *http.Request, resp *origin.Response) {
	bucket, err := w.cache(ctx)
	if err == nil {
		err = bucket.Put(ctx, req, entryFrom(resp))
	}
	switch {
	case err == nil, errors.Is(err, storage.ErrVaryWildcard), errors.Is(err, storage.ErrBucketGone):
	default:
		w.log.Warn("Store " + storage.RequestKey(req.URL) + ": " + err.Error())
	}
}
