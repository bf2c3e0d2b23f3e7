// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/casjay-forks/cascache/src/origin"
)

var ErrNoVersion = errors.New("version source returned an empty version")

// VersionSource reports the version that should be active.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// StaticSource never changes at runtime.
type StaticSource string

func (s StaticSource) Version(ctx context.Context) (string, error) {
	if s == "" {
		return DefaultVersion, nil
	}
	return string(s), nil
}

// Getter is satisfied by *origin.Client.
type Getter interface {
	Get(ctx context.Context, path string) (*origin.Response, error)
}

// OriginSource reads the version from a file served by the origin. The body
// is either the bare version or a JSON object with a "version" field.
type OriginSource struct {
	Origin Getter
	Path   string
}

func (s OriginSource) Version(ctx context.Context) (string, error) {
	resp, err := s.Origin.Get(ctx, s.Path)
	if err != nil {
		return "", fmt.Errorf("version check: %w", err)
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("version check: %s: status %d", s.Path, resp.Status)
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) > 0 && body[0] == '{' {
		var doc struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", fmt.Errorf("version check: %w", err)
		}
		body = []byte(doc.Version)
	}

	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", ErrNoVersion
	}
	return version, nil
}

// NewVersionSource builds the source named by kind ("static" or "origin").
func NewVersionSource(kind, scope, path string, getter Getter) (VersionSource, error) {
	switch kind {
	case "", "static":
		return StaticSource(ScopeVersion(scope)), nil
	case "origin":
		if getter == nil {
			return nil, errors.New("origin version source needs an origin client")
		}
		if path == "" {
			path = "/sw-version.txt"
		}
		return OriginSource{Origin: getter, Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown version source %q", kind)
	}
}
