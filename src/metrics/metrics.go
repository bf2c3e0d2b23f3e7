// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package metrics provides Prometheus metrics with the cascache_ prefix.
package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Enabled bool
	// Endpoint path for metrics (default: /metrics)
	Endpoint       string
	IncludeRuntime bool
	// Token for optional bearer token authentication
	Token           string
	DurationBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		Endpoint:        "/metrics",
		IncludeRuntime:  true,
		DurationBuckets: prometheus.DefBuckets,
	}
}

var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cascache_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "build_date", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascache_app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascache_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascache_http_active_requests",
			Help: "Number of active HTTP requests",
		},
	)

	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascache_fetch_total",
			Help: "Intercepted requests by strategy and response source",
		},
		[]string{"strategy", "source"},
	)

	RevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascache_revalidations_total",
			Help: "Background cache refreshes by result",
		},
		[]string{"result"},
	)

	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascache_lifecycle_events_total",
			Help: "Worker install, activate and update events",
		},
		[]string{"event", "result"},
	)

	BucketEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cascache_bucket_entries",
			Help: "Number of entries per cache bucket",
		},
		[]string{"bucket"},
	)

	BucketBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cascache_bucket_bytes",
			Help: "Stored body bytes per cache bucket",
		},
		[]string{"bucket"},
	)

	ControlledClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascache_clients_controlled",
			Help: "Clients controlled by the active worker",
		},
	)

	GoGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascache_go_goroutines",
			Help: "Number of goroutines",
		},
	)

	GoMemAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascache_go_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)
)

var (
	uuidRegex      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numericIDRegex = regexp.MustCompile(`/[0-9]+(?:/|$)`)
	hashRegex      = regexp.MustCompile(`[.-][0-9a-fA-F]{8,}\.`)

	startTime time.Time
	config    Config
	mu        sync.RWMutex
)

// Init stores cfg and, when enabled, runs the uptime and runtime collectors
// until ctx is done.
func Init(ctx context.Context, cfg Config, version, commit, buildDate string) {
	mu.Lock()
	defer mu.Unlock()

	config = cfg
	startTime = time.Now()

	if !cfg.Enabled {
		return
	}

	AppInfo.WithLabelValues(version, commit, buildDate, runtime.Version()).Set(1)

	go every(ctx, time.Second, func() {
		AppUptime.Set(time.Since(startTime).Seconds())
	})
	if cfg.IncludeRuntime {
		go every(ctx, 15*time.Second, collectRuntimeMetrics)
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func collectRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	GoGoroutines.Set(float64(runtime.NumGoroutine()))
	GoMemAllocBytes.Set(float64(m.Alloc))
}

// NormalizePath keeps metric label cardinality bounded: proxied sites have
// arbitrary paths, so only the first segment survives, with IDs and
// content hashes masked.
func NormalizePath(path string) string {
	path = uuidRegex.ReplaceAllString(path, ":id")
	path = numericIDRegex.ReplaceAllString(path, "/:id/")
	path = hashRegex.ReplaceAllString(path, ".:hash.")

	if len(path) > 1 && path[0] == '/' {
		rest := path[1:]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				return "/" + rest[:i] + "/*"
			}
		}
	}
	return path
}

// Handler serves the registry. A configured token is required as a bearer
// credential.
func Handler(cfg Config) http.Handler {
	h := promhttp.Handler()
	if cfg.Token == "" {
		return h
	}

	want := []byte("Bearer " + cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// ResponseWriter records what was sent so handlers and middleware can label
// requests after the fact.
type ResponseWriter struct {
	http.ResponseWriter
	Status int
	Size   int

	wroteHeader bool
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, Status: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(status int) {
	if !rw.wroteHeader {
		rw.Status = status
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.Size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware observes every request except scrapes of the metrics endpoint.
// It is a no-op when metrics are disabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == cfg.Endpoint {
				next.ServeHTTP(w, r)
				return
			}
			observe(next, w, r)
		})
	}
}

func observe(next http.Handler, w http.ResponseWriter, r *http.Request) {
	HTTPActiveRequests.Inc()
	defer HTTPActiveRequests.Dec()

	start := time.Now()
	rw := NewResponseWriter(w)
	next.ServeHTTP(rw, r)
	elapsed := time.Since(start)

	path := NormalizePath(r.URL.Path)
	HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.Status)).Inc()
	HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
	HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.Size))
}

func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return config.Enabled
}
