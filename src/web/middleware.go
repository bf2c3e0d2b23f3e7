// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/casjay-forks/cascache/src/logger"
	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/google/uuid"
)

type RequestIDKey struct{}

// RequestIDMiddleware gives every request an ID. A valid upstream ID is
// kept; the ID is also set on the request so logs and the origin see it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = r.Header.Get("X-Correlation-ID")
		}
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		r.Header.Set("X-Request-ID", requestID)
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// PanicRecoveryMiddleware turns a panic into a 500. With debug the stack
// is written to the response too.
func PanicRecoveryMiddleware(log logger.Logger, debug bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := make([]byte, 4096)
				stack = stack[:runtime.Stack(stack, false)]
				log.HttpError(r, fmt.Errorf("panic: %v", rec))

				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				if debug {
					fmt.Fprintf(w, "Internal Server Error\n\nPanic: %v\n\nStack Trace:\n%s\n", rec, stack)
					if id := GetRequestID(r.Context()); id != "" {
						fmt.Fprintf(w, "\nRequest ID: %s\n", id)
					}
					return
				}
				fmt.Fprint(w, "An unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MaintenanceMiddleware answers 503 while {dataDir}/.maintenance exists.
// The health check stays reachable.
func MaintenanceMiddleware(dataDir string) func(http.Handler) http.Handler {
	file := filepath.Join(dataDir, ".maintenance")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == HealthPath {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := os.Stat(file); err == nil {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("Retry-After", "3600")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("The server is currently in maintenance mode.\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain wraps h so the first middleware is the outermost.
func Chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// NewHandler builds the full handler stack around data.Handler.
func NewHandler(data *Data, dataDir string, debug bool) http.Handler {
	return Chain(http.HandlerFunc(data.Handler),
		PanicRecoveryMiddleware(data.Log, debug),
		RequestIDMiddleware,
		metrics.Middleware(data.Metrics),
		MaintenanceMiddleware(dataDir),
	)
}
