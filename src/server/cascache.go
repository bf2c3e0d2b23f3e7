// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/casjay-forks/cascache/src/cli"
	"github.com/casjay-forks/cascache/src/config"
	"github.com/casjay-forks/cascache/src/display"
	"github.com/casjay-forks/cascache/src/logger"
	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/netshare"
	"github.com/casjay-forks/cascache/src/offline"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/scheduler"
	"github.com/casjay-forks/cascache/src/ssl"
	"github.com/casjay-forks/cascache/src/storage"
	"github.com/casjay-forks/cascache/src/tui"
	"github.com/casjay-forks/cascache/src/web"
	"github.com/casjay-forks/cascache/src/worker"
	"golang.org/x/time/rate"
)

// Build info - set via -ldflags at build time
var (
	Version   = "unknown"
	CommitID  = "unknown"
	BuildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	Version = getVersion()

	c := cli.New(config.Software + " " + Version)
	flagConfig := c.AddStringVar("config", "/etc/casjay-forks/cascache/server.yml", "Path to the YAML config file.", nil)
	flagGenerate := c.AddBoolVar("generate-config", "Write the default config to -config and exit")
	flagDebug := c.AddBoolVar("debug", "Enable debug logging to debug.log")
	flagInspect := c.AddBoolVar("inspect", "Browse the cache storage and exit")
	flagMigrateTo := c.AddStringVar("migrate-to", "", "Copy every bucket into another backend, DRIVER:SOURCE (e.g. sqlite:/tmp/cache.db).", nil)
	flagMaintenance := c.AddStringVar("maintenance", "", "Maintenance mode: enabled or disabled", nil)
	flagStatus := c.AddBoolVar("status", "Check the health of a running instance. Exit codes: 0=healthy, 1=unhealthy, 2=error")
	c.Parse()

	if *flagGenerate {
		if err := os.MkdirAll(filepath.Dir(*flagConfig), 0755); err != nil {
			exitOnError(err)
		}
		if err := config.GenerateDefaultYAMLConfig(*flagConfig); err != nil {
			exitOnError(err)
		}
		fmt.Println("Default config written to " + *flagConfig)
		return
	}

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		exitOnError(err)
	}

	if *flagStatus {
		client := &http.Client{Timeout: 5 * time.Second}
		addr := cfg.Server.Listen
		if addr == "all" || addr == "" || addr == "::" || addr == "0.0.0.0" {
			addr = "localhost"
		}
		os.Exit(checkStatus(client, net.JoinHostPort(addr, cfg.Server.Port)))
	}

	if *flagMaintenance != "" {
		msg, err := setMaintenanceMode(cfg.Directories.Data, *flagMaintenance)
		if err != nil {
			exitOnError(err)
		}
		fmt.Println(msg)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Directories.Data, 0755); err != nil {
		exitOnError(fmt.Errorf("failed to create data directory: %w", err))
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		exitOnError(err)
	}
	defer store.Close()

	if *flagInspect {
		if err := inspect(ctx, store); err != nil {
			exitOnError(err)
		}
		return
	}

	if *flagMigrateTo != "" {
		driver, source, ok := strings.Cut(*flagMigrateTo, ":")
		if !ok {
			exitOnError(fmt.Errorf("-migrate-to: want DRIVER:SOURCE, got %q", *flagMigrateTo))
		}
		driver = config.NormalizeDriver(driver)
		source, err := config.NormalizeSource(driver, source)
		if err != nil {
			exitOnError(err)
		}
		dst, err := storage.New(ctx, storage.Config{Driver: driver, Source: source, MaxOpenConns: 1})
		if err != nil {
			exitOnError(err)
		}
		n, err := storage.Migrate(ctx, store, dst)
		dst.Close()
		if err != nil {
			exitOnError(err)
		}
		fmt.Printf("Copied %d entries to %s\n", n, driver)
		return
	}

	if err := serve(ctx, cfg, store, *flagConfig, *flagDebug); err != nil {
		exitOnError(err)
	}
}

func loadConfig(path string) (*config.YAMLConfig, error) {
	cfg, err := config.LoadYAMLConfig(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Run on defaults plus environment
		cfg = config.DefaultYAMLConfig()
	case err != nil:
		return nil, err
	}

	if err := config.ApplyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	config.ResolvePlaceholders(cfg, cfg.Server.FQDN, cfg.Directories.Data, cfg.Directories.Config)
	if err := config.NormalizeDatabase(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func openStorage(ctx context.Context, cfg *config.YAMLConfig) (storage.Storage, error) {
	if cfg.Database.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Source), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	var store storage.Storage
	err := retryWithBackoff(ctx, func() error {
		var err error
		store, err = storage.New(ctx, storage.Config{
			Driver:       cfg.Database.Driver,
			Source:       cfg.Database.Source,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		return err
	}, 10, time.Second, 30*time.Second, "Database initialization")
	return store, err
}

func inspect(ctx context.Context, store storage.Storage) error {
	if display.Detect().Mode == display.ModeTUI {
		return tui.Run(ctx, store)
	}
	return tui.Fprint(ctx, os.Stdout, store)
}

func serve(ctx context.Context, cfg *config.YAMLConfig, store storage.Storage, configFile string, debug bool) error {
	log, files, err := setupLogger(cfg, debug)
	if err != nil {
		return err
	}
	defer files.Close()

	proxies, err := netshare.NewProxies(config.GetAllTrustedProxies(cfg))
	if err != nil {
		return fmt.Errorf("server.proxy.allowed: %w", err)
	}
	log.SetProxies(proxies)

	metricsCfg := metrics.Config{
		Enabled:         cfg.Server.Metrics.Enabled,
		Endpoint:        cfg.Server.Metrics.Endpoint,
		IncludeRuntime:  cfg.Server.Metrics.IncludeRuntime,
		Token:           cfg.Server.Metrics.Token,
		DurationBuckets: cfg.Server.Metrics.DurationBuckets,
	}
	if metricsCfg.Endpoint == "" {
		metricsCfg.Endpoint = "/metrics"
	}
	metrics.Init(ctx, metricsCfg, Version, CommitID, BuildDate)

	client, err := origin.New(origin.Options{
		BaseURL:      cfg.Origin.URL,
		UserAgent:    strings.ReplaceAll(cfg.Origin.UserAgent, "{version}", Version),
		Timeout:      cfg.Origin.Timeout.Std(),
		MaxBodyBytes: cfg.Origin.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	offlinePage, err := offline.Load(cfg.Offline.Page, cfg.Offline.Title, cfg.Offline.HighlightStyle)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if cfg.Worker.RevalidateRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Worker.RevalidateRate), max(cfg.Worker.RevalidateBurst, 1))
	}

	source, err := worker.NewVersionSource(cfg.Worker.VersionSource, cfg.Worker.Scope, cfg.Worker.VersionPath, client)
	if err != nil {
		return err
	}

	reg := worker.NewRegistration(worker.RegistrationOptions{
		Scope: cfg.Worker.Scope,
		Worker: worker.Options{
			Prefix:               cfg.Cache.Prefix,
			Assets:               cfg.Cache.Assets,
			Fallbacks:            cfg.Cache.Fallbacks,
			OfflinePage:          offlinePage,
			SkipWaitingOnInstall: cfg.Worker.SkipWaitingOnInstall,
			Storage:              store,
			Origin:               client,
			Log:                  log,
			RevalidateTimeout:    cfg.Origin.Timeout.Std(),
			RevalidateLimiter:    limiter,
		},
		Source:     source,
		Clients:    worker.NewClients(cfg.Worker.ClientTTL.Std()),
		PublicHost: cfg.Server.FQDN,
	})

	// An unreachable origin is not fatal, install-retry keeps trying
	if err := reg.Update(ctx); err != nil {
		log.Warn("Initial install failed: " + err.Error())
	}

	sched := scheduler.New(log)
	for _, task := range scheduler.DefaultTasks(reg, cfg.Worker.UpdateInterval, log) {
		if err := sched.AddTask(task); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	taskCtx, stopTasks := context.WithCancel(ctx)
	defer stopTasks()
	sched.Start(taskCtx)

	data := &web.Data{
		Registration: reg,
		Storage:      store,
		Scheduler:    sched,
		Log:          log,
		Proxies:      proxies,
		Metrics:      metricsCfg,
		Version:      Version,
		FQDN:         cfg.Server.FQDN,
		ControlToken: cfg.Control.Token,
		ClientTTL:    cfg.Worker.ClientTTL.Std(),
	}
	handler := web.NewHandler(data, cfg.Directories.Data, debug)

	acme, err := ssl.New(ssl.Config{
		Enabled:  cfg.Server.TLS.ACME.Enabled,
		Email:    cfg.Server.TLS.ACME.Email,
		CacheDir: cfg.Server.TLS.ACME.CacheDir,
		Staging:  cfg.Server.TLS.ACME.Staging,
		Domains:  cfg.Server.TLS.ACME.Domains,
	})
	if err != nil {
		return err
	}

	timeouts := cfg.Server.Timeouts
	newServer := func(h http.Handler) *http.Server {
		return &http.Server{
			Handler:      h,
			ReadTimeout:  time.Duration(timeouts.Read) * time.Second,
			WriteTimeout: time.Duration(timeouts.Write) * time.Second,
			IdleTimeout:  time.Duration(timeouts.Idle) * time.Second,
		}
	}

	httpAddr := listenAddr(cfg.Server.Listen, cfg.Server.Port)
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP to %s: %w", httpAddr, err)
	}

	servers := []*http.Server{}
	serveErrors := make(chan error, 2)

	var httpsAddr string
	if acme.Enabled() {
		httpsAddr = listenAddr(cfg.Server.Listen, cfg.Server.TLS.Port)
		httpsListener, err := net.Listen("tcp", httpsAddr)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("failed to bind HTTPS to %s: %w", httpsAddr, err)
		}
		srvHTTPS := newServer(handler)
		srvHTTPS.TLSConfig = acme.TLSConfig()
		servers = append(servers, srvHTTPS)
		go func() {
			log.Info("Run HTTPS server on " + httpsAddr)
			serveErrors <- srvHTTPS.ServeTLS(httpsListener, "", "")
		}()
		// The plain port answers ACME challenges and redirects the rest
		handler = acme.HTTPHandler(nil)
	}

	srv := newServer(handler)
	servers = append(servers, srv)
	go func() {
		log.Info("Run HTTP server on " + httpAddr)
		serveErrors <- srv.Serve(httpListener)
	}()

	printStartupBanner(os.Stdout, Version, cfg.Origin.URL, cfg.Worker.Scope, configFile,
		formatDatabaseDisplay(cfg.Database.Driver, cfg.Database.Source), httpAddr, httpsAddr)

	var serveErr error
	select {
	case err := <-serveErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		log.Info("Received signal, shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, log, servers, reg, stopTasks, sched)

	log.Info("Server stopped")
	return serveErr
}

// shutdown stops accepting requests, then waits for in-flight refreshes and
// scheduled tasks. Storage is closed by the caller.
func shutdown(ctx context.Context, log logger.Logger, servers []*http.Server, reg *worker.Registration, stopTasks context.CancelFunc, sched *scheduler.Scheduler) {
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(fmt.Errorf("server shutdown: %w", err))
			srv.Close()
		}
	}

	stopTasks()
	sched.Wait()

	if err := reg.Close(ctx); err != nil {
		log.Error(fmt.Errorf("worker shutdown: %w", err))
	}
}
