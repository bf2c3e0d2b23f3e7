// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/caarlos0/env/v11"
	"golang.org/x/net/publicsuffix"
)

// envOverrides lists every CASCACHE_* variable. Pointer fields stay nil
// when the variable is unset so only explicit values override the file.
type envOverrides struct {
	Address *string `env:"ADDRESS"`
	FQDN    *string `env:"FQDN"`
	Listen  *string `env:"LISTEN"`
	Port    *string `env:"PORT"`

	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	OriginURL       *string `env:"ORIGIN_URL"`
	OriginTimeout   *string `env:"ORIGIN_TIMEOUT"`
	OriginUserAgent *string `env:"ORIGIN_USER_AGENT"`

	CachePrefix *string `env:"CACHE_PREFIX"`

	Scope          *string  `env:"SCOPE"`
	Version        *string  `env:"VERSION"`
	VersionSource  *string  `env:"VERSION_SOURCE"`
	UpdateInterval *string  `env:"UPDATE_INTERVAL"`
	SkipWaiting    *bool    `env:"SKIP_WAITING"`
	RevalidateRate *float64 `env:"REVALIDATE_RATE"`

	OfflinePage  *string `env:"OFFLINE_PAGE"`
	ControlToken *string `env:"CONTROL_TOKEN"`

	DBDriver *string `env:"DB_DRIVER"`
	DBSource *string `env:"DB_SOURCE"`

	DataDir   *string `env:"DATA_DIR"`
	ConfigDir *string `env:"CONFIG_DIR"`
	LogsDir   *string `env:"LOGS_DIR"`

	LogLevel       *string `env:"LOG_LEVEL"`
	MetricsEnabled *bool   `env:"METRICS_ENABLED"`
	MetricsToken   *string `env:"METRICS_TOKEN"`
}

func isValidDomain(s string) bool {
	if s == "" || net.ParseIP(s) != nil || !strings.Contains(s, ".") {
		return false
	}
	// Validate against the public suffix list (com, co.uk, com.au, ...)
	_, err := publicsuffix.EffectiveTLDPlusOne(s)
	return err == nil
}

// parseAddress splits CASCACHE_ADDRESS into FQDN, listen and port.
// Examples:
//   - ":8080"                 → port=8080
//   - "cache.example.com:80"  → fqdn=cache.example.com, port=80
//   - "127.0.0.1"             → listen=127.0.0.1
//   - "[::1]:8091"            → listen=::1, port=8091
func parseAddress(addr string) (fqdn, listen, port string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}

	if strings.HasPrefix(addr, "[") {
		closeBracket := strings.Index(addr, "]")
		if closeBracket == -1 {
			return
		}
		listen = addr[1:closeBracket]
		if rest := addr[closeBracket+1:]; strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return
	}

	if strings.HasPrefix(addr, ":") {
		port = addr[1:]
		return
	}

	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		p = ""
	}
	port = p

	switch {
	case net.ParseIP(host) != nil, host == "localhost":
		listen = host
	case isValidDomain(host):
		fqdn = host
	}

	return
}

// ApplyEnvironmentOverrides applies CASCACHE_* variables from the process
// environment. Environment values win over the config file.
func ApplyEnvironmentOverrides(cfg *YAMLConfig) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *YAMLConfig, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: "CASCACHE_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	// ADDRESS first so the individual settings below can refine it
	if o.Address != nil {
		fqdn, listen, port := parseAddress(*o.Address)
		setIf(&cfg.Server.FQDN, fqdn)
		setIf(&cfg.Server.Listen, listen)
		setIf(&cfg.Server.Port, port)
	}
	setPtr(&cfg.Server.FQDN, o.FQDN)
	setPtr(&cfg.Server.Listen, o.Listen)
	setPtr(&cfg.Server.Port, o.Port)
	if len(o.TrustedProxies) > 0 {
		cfg.Server.Proxy.Allowed = append(cfg.Server.Proxy.Allowed, o.TrustedProxies...)
	}

	setPtr(&cfg.Origin.URL, o.OriginURL)
	setPtr(&cfg.Origin.UserAgent, o.OriginUserAgent)
	if o.OriginTimeout != nil {
		if err := cfg.Origin.Timeout.UnmarshalText([]byte(*o.OriginTimeout)); err != nil {
			return fmt.Errorf("CASCACHE_ORIGIN_TIMEOUT: %w", err)
		}
	}

	setPtr(&cfg.Cache.Prefix, o.CachePrefix)

	setPtr(&cfg.Worker.Scope, o.Scope)
	if o.Version != nil && *o.Version != "" {
		cfg.Worker.Scope = "/?version=" + *o.Version
	}
	setPtr(&cfg.Worker.VersionSource, o.VersionSource)
	setPtr(&cfg.Worker.UpdateInterval, o.UpdateInterval)
	if o.SkipWaiting != nil {
		cfg.Worker.SkipWaitingOnInstall = *o.SkipWaiting
	}
	if o.RevalidateRate != nil {
		cfg.Worker.RevalidateRate = *o.RevalidateRate
	}

	setPtr(&cfg.Offline.Page, o.OfflinePage)
	setPtr(&cfg.Control.Token, o.ControlToken)

	setPtr(&cfg.Database.Driver, o.DBDriver)
	setPtr(&cfg.Database.Source, o.DBSource)

	setPtr(&cfg.Directories.Data, o.DataDir)
	setPtr(&cfg.Directories.Config, o.ConfigDir)
	setPtr(&cfg.Directories.Logs, o.LogsDir)

	setPtr(&cfg.Logging.Level, o.LogLevel)
	if o.MetricsEnabled != nil {
		cfg.Server.Metrics.Enabled = *o.MetricsEnabled
	}
	setPtr(&cfg.Server.Metrics.Token, o.MetricsToken)

	return nil
}

func setIf(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setPtr(dst *string, val *string) {
	if val != nil {
		*dst = *val
	}
}
