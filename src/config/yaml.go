// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure
type YAMLConfig struct {
	Server struct {
		// Public host name of the cached site (empty = every host is treated as own origin)
		FQDN string `yaml:"fqdn"`
		// Listen address (all, ::, 0.0.0.0, specific IP)
		Listen string `yaml:"listen"`
		// Port number
		Port string `yaml:"port"`

		Proxy struct {
			// Additional trusted proxy IPs/CIDRs (appended to default private ranges)
			Allowed []string `yaml:"allowed"`
		} `yaml:"proxy"`

		Timeouts struct {
			// Read timeout in seconds (default: 15)
			Read int `yaml:"read"`
			// Write timeout in seconds (default: 15)
			Write int `yaml:"write"`
			// Idle timeout in seconds (default: 60)
			Idle int `yaml:"idle"`
		} `yaml:"timeouts"`

		Metrics struct {
			// Enable Prometheus metrics endpoint (default: false)
			Enabled bool `yaml:"enabled"`
			// Endpoint path (default: /metrics)
			Endpoint string `yaml:"endpoint"`
			// Include Go runtime metrics
			IncludeRuntime bool `yaml:"include_runtime"`
			// Optional bearer token for authentication
			Token string `yaml:"token"`
			// Histogram buckets for request duration (seconds)
			DurationBuckets []float64 `yaml:"duration_buckets"`
		} `yaml:"metrics"`

		TLS struct {
			// HTTPS port, used only when acme.enabled is true
			Port string `yaml:"port"`
			ACME struct {
				Enabled bool `yaml:"enabled"`
				Email   string `yaml:"email"`
				// Host names certificates may be requested for
				Domains []string `yaml:"domains"`
				// Use the Let's Encrypt staging directory
				Staging bool `yaml:"staging"`
				// Certificate cache directory
				CacheDir string `yaml:"cache_dir"`
			} `yaml:"acme"`
		} `yaml:"tls"`
	} `yaml:"server"`

	Origin struct {
		// Base URL of the site being cached
		URL string `yaml:"url"`
		// User-Agent sent to the origin ({version} is replaced)
		UserAgent string `yaml:"user_agent"`
		// Per request timeout, also bounds background refreshes
		Timeout Duration `yaml:"timeout"`
		// Largest response body that will be buffered
		MaxBodyBytes int64 `yaml:"max_body_bytes"`
	} `yaml:"origin"`

	Cache struct {
		// Bucket names are <prefix>-<version>
		Prefix string `yaml:"prefix"`
		// Paths precached on install ({version} is replaced)
		Assets []string `yaml:"assets"`
		// Navigation fallbacks tried after the request itself ({version} is replaced)
		Fallbacks []string `yaml:"fallbacks"`
	} `yaml:"cache"`

	Worker struct {
		// Registration scope, the version follows "?version="
		Scope string `yaml:"scope"`
		// Activate new versions without waiting for old clients to leave
		SkipWaitingOnInstall bool `yaml:"skip_waiting_on_install"`
		// static or origin
		VersionSource string `yaml:"version_source"`
		// Path on the origin holding the version when version_source is origin
		VersionPath string `yaml:"version_path"`
		// Schedule for update checks (cron or @every)
		UpdateInterval string `yaml:"update_interval"`
		// Forget clients idle for longer than this
		ClientTTL Duration `yaml:"client_ttl"`
		// Background refreshes per second (0 = unlimited)
		RevalidateRate float64 `yaml:"revalidate_rate"`
		RevalidateBurst int     `yaml:"revalidate_burst"`
	} `yaml:"worker"`

	Offline struct {
		// Markdown document served when nothing else is available (empty = disabled)
		Page  string `yaml:"page"`
		Title string `yaml:"title"`
		// Chroma style used for code blocks
		HighlightStyle string `yaml:"highlight_style"`
	} `yaml:"offline"`

	Control struct {
		// Bearer token for /_cascache/message and /_cascache/status (empty = open)
		Token string `yaml:"token"`
	} `yaml:"control"`

	Database struct {
		// sqlite, postgres, mysql, memory
		Driver string `yaml:"driver"`
		// Connection string
		Source       string `yaml:"source"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"database"`

	Directories struct {
		Data   string `yaml:"data"`
		Config string `yaml:"config"`
		Logs   string `yaml:"logs"`
	} `yaml:"directories"`

	Logging struct {
		// info, warn, error
		Level  string    `yaml:"level"`
		Access LogOutput `yaml:"access"`
		Error  LogOutput `yaml:"error"`
		Server LogOutput `yaml:"server"`
		Debug  LogOutput `yaml:"debug"`
	} `yaml:"logging"`
}

// LogOutput describes where one log stream goes.
type LogOutput struct {
	// File name relative to directories.logs (empty = no file)
	File   string `yaml:"file"`
	Format string `yaml:"format"`
	Stdout bool   `yaml:"stdout"`
	Stderr bool   `yaml:"stderr"`
}

// LoadYAMLConfig loads configuration from a YAML file on top of the defaults.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// SaveYAMLConfig saves configuration to YAML file
func SaveYAMLConfig(path string, cfg *YAMLConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ResolvePlaceholders replaces {fqdn}, {data_dir} and {config_dir}.
// {version} is left alone, it is expanded per worker version.
func ResolvePlaceholders(cfg *YAMLConfig, fqdn, dataDir, configDir string) {
	replace := func(s string) string {
		s = strings.ReplaceAll(s, "{fqdn}", fqdn)
		s = strings.ReplaceAll(s, "{data_dir}", dataDir)
		s = strings.ReplaceAll(s, "{config_dir}", configDir)
		return s
	}

	cfg.Database.Source = replace(cfg.Database.Source)
	cfg.Offline.Page = replace(cfg.Offline.Page)
	cfg.Server.TLS.ACME.CacheDir = replace(cfg.Server.TLS.ACME.CacheDir)
	cfg.Server.TLS.ACME.Email = replace(cfg.Server.TLS.ACME.Email)
	for i, d := range cfg.Server.TLS.ACME.Domains {
		cfg.Server.TLS.ACME.Domains[i] = replace(d)
	}
	cfg.Directories.Logs = replace(cfg.Directories.Logs)
}

// GetDefaultPrivateProxies returns the ranges always trusted for X-Forwarded-* headers
func GetDefaultPrivateProxies() []string {
	return []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"::1",
		"fc00::/7",
		"fe80::/10",
	}
}

// GetAllTrustedProxies returns all trusted proxies (defaults + configured)
func GetAllTrustedProxies(cfg *YAMLConfig) []string {
	return append(GetDefaultPrivateProxies(), cfg.Server.Proxy.Allowed...)
}

// Validate reports the first setting that cannot work.
func (cfg *YAMLConfig) Validate() error {
	if cfg.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres", "mysql", "mariadb", "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	switch cfg.Worker.VersionSource {
	case "static", "origin":
	default:
		return fmt.Errorf("worker.version_source %q must be static or origin", cfg.Worker.VersionSource)
	}
	if cfg.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix must not be empty")
	}
	if cfg.Server.TLS.ACME.Enabled && len(cfg.Server.TLS.ACME.Domains) == 0 {
		return fmt.Errorf("server.tls.acme.domains is required when acme is enabled")
	}
	return nil
}

// DefaultYAMLConfig returns the configuration used when no file overrides it.
func DefaultYAMLConfig() *YAMLConfig {
	cfg := &YAMLConfig{}

	// ============================================================================
	// SERVER CONFIGURATION
	// ============================================================================
	cfg.Server.FQDN = ""
	cfg.Server.Listen = "all"
	cfg.Server.Port = "8080"
	cfg.Server.Proxy.Allowed = []string{}

	cfg.Server.Timeouts.Read = 15
	cfg.Server.Timeouts.Write = 15
	cfg.Server.Timeouts.Idle = 60

	cfg.Server.Metrics.Enabled = false
	cfg.Server.Metrics.Endpoint = "/metrics"
	cfg.Server.Metrics.IncludeRuntime = true
	cfg.Server.Metrics.DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	cfg.Server.TLS.Port = "8443"
	cfg.Server.TLS.ACME.Domains = []string{}
	cfg.Server.TLS.ACME.CacheDir = "{data_dir}/acme"

	// ============================================================================
	// ORIGIN
	// ============================================================================
	cfg.Origin.URL = "http://127.0.0.1:3000"
	cfg.Origin.UserAgent = Software + "/{version}"
	cfg.Origin.Timeout = Duration(defaultOriginTimeout)
	cfg.Origin.MaxBodyBytes = 52428800 // 50MB

	// ============================================================================
	// CACHE AND WORKER
	// ============================================================================
	cfg.Cache.Prefix = "cascache-cache"
	cfg.Cache.Assets = []string{
		"/?v={version}",
		"/index.html?v={version}",
		"/privacy-policy.html?v={version}",
		"/manifest.json?v={version}",
		"/assets/icons/apple-touch-icon.png?v={version}",
	}
	cfg.Cache.Fallbacks = []string{
		"/index.html?v={version}",
		"/index.html",
	}

	cfg.Worker.Scope = "/?version=v1"
	cfg.Worker.SkipWaitingOnInstall = true
	cfg.Worker.VersionSource = "static"
	cfg.Worker.VersionPath = "/sw-version.txt"
	cfg.Worker.UpdateInterval = "@every 24h"
	cfg.Worker.ClientTTL = Duration(defaultClientTTL)
	cfg.Worker.RevalidateRate = 10
	cfg.Worker.RevalidateBurst = 20

	cfg.Offline.Page = ""
	cfg.Offline.Title = "Offline"
	cfg.Offline.HighlightStyle = "dracula"

	// ============================================================================
	// DATABASE CONFIGURATION
	// ============================================================================
	// Using modernc.org/sqlite (pure Go, no CGo)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Source = "{data_dir}/cascache.db"
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5

	// ============================================================================
	// DIRECTORIES
	// ============================================================================
	cfg.Directories.Data = "/var/lib/casjay-forks/cascache"
	cfg.Directories.Config = "/etc/casjay-forks/cascache"
	cfg.Directories.Logs = "/var/log/casjay-forks/cascache"

	// ============================================================================
	// LOGGING
	// ============================================================================
	cfg.Logging.Level = "info"
	cfg.Logging.Access = LogOutput{File: "access.log", Format: "apache"}
	cfg.Logging.Error = LogOutput{File: "error.log", Format: "text", Stderr: true}
	cfg.Logging.Server = LogOutput{File: "cascache.log", Format: "text", Stdout: true}
	cfg.Logging.Debug = LogOutput{File: "debug.log", Format: "text", Stdout: true}

	return cfg
}

// GenerateDefaultYAMLConfig writes the default configuration to path.
func GenerateDefaultYAMLConfig(path string) error {
	data, err := yaml.Marshal(DefaultYAMLConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}
