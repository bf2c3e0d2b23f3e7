// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package storage

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey is the identity of a request inside a bucket: the escaped path
// plus query, host and fragment dropped. All keys live in one origin.
func RequestKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

func stripSearch(key string) string {
	path, _, _ := strings.Cut(key, "?")
	return path
}

// NewRequest builds a GET request for a stored key.
func NewRequest(key string) (*http.Request, error) {
	return http.NewRequest(http.MethodGet, key, nil)
}

func varyNames(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = http.CanonicalHeaderKey(name)
			}
			names = append(names, name)
		}
	}
	return names
}

func captureVary(req *http.Request, respHeader http.Header) (map[string]string, error) {
	names := varyNames(respHeader)
	if len(names) == 0 {
		return nil, nil
	}
	vary := make(map[string]string, len(names))
	for _, name := range names {
		if name == "*" {
			return nil, ErrVaryWildcard
		}
		vary[name] = req.Header.Get(name)
	}
	return vary, nil
}

// methodMatches reports whether a request with this method may match at all.
func methodMatches(req *http.Request, opts MatchOptions) bool {
	return opts.IgnoreMethod || req.Method == http.MethodGet || req.Method == ""
}

// lookupKey returns the column value to look up and whether it is the
// search-stripped one.
func lookupKey(req *http.Request, opts MatchOptions) string {
	key := RequestKey(req.URL)
	if opts.IgnoreSearch {
		return stripSearch(key)
	}
	return key
}

func matches(e *Entry, req *http.Request, opts MatchOptions) bool {
	if !methodMatches(req, opts) {
		return false
	}
	if opts.IgnoreSearch {
		if stripSearch(e.URL) != stripSearch(RequestKey(req.URL)) {
			return false
		}
	} else if e.URL != RequestKey(req.URL) {
		return false
	}
	if opts.IgnoreVary {
		return true
	}
	for name, recorded := range e.Vary {
		if name == "*" || req.Header.Get(name) != recorded {
			return false
		}
	}
	return true
}
