// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package ssl obtains certificates for the HTTPS listener from an ACME CA
// using the HTTP-01 and TLS-ALPN-01 challenges.
package ssl

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const stagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"

type Config struct {
	Enabled  bool
	Email    string
	CacheDir string
	Staging  bool
	Domains  []string
}

type Manager struct {
	autocert *autocert.Manager
}

// New returns a disabled manager when cfg.Enabled is false.
func New(cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{}, nil
	}
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("acme: at least one domain is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("acme: cache directory is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("acme: create cache directory: %w", err)
	}

	m := &autocert.Manager{
		Prompt:      autocert.AcceptTOS,
		Cache:       autocert.DirCache(cfg.CacheDir),
		Email:       cfg.Email,
		HostPolicy:  hostPolicy(cfg.Domains),
		RenewBefore: 30 * 24 * time.Hour,
	}
	if cfg.Staging {
		m.Client = &acme.Client{DirectoryURL: stagingDirectory}
	}
	return &Manager{autocert: m}, nil
}

func hostPolicy(domains []string) autocert.HostPolicy {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[strings.ToLower(d)] = true
	}
	return func(_ context.Context, host string) error {
		if allowed[strings.ToLower(host)] {
			return nil
		}
		return fmt.Errorf("acme: host %q not allowed", host)
	}
}

func (m *Manager) Enabled() bool {
	return m.autocert != nil
}

// TLSConfig is nil when ACME is disabled.
func (m *Manager) TLSConfig() *tls.Config {
	if m.autocert == nil {
		return nil
	}
	return &tls.Config{
		GetCertificate: m.autocert.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPHandler answers HTTP-01 challenges and hands everything else to
// fallback.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autocert == nil {
		return fallback
	}
	return m.autocert.HTTPHandler(fallback)
}
