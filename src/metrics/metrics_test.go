// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func enable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.IncludeRuntime = false
	Init(ctx, cfg, "test", "none", "today")
}

func TestRecordersRespectEnabled(t *testing.T) {
	Init(context.Background(), DefaultConfig(), "test", "none", "today")
	before := testutil.ToFloat64(FetchTotal.WithLabelValues("stale-while-revalidate", "stale"))
	RecordFetch("stale-while-revalidate", "stale")
	assert.Equal(t, before, testutil.ToFloat64(FetchTotal.WithLabelValues("stale-while-revalidate", "stale")))

	enable(t)
	RecordFetch("stale-while-revalidate", "stale")
	assert.Equal(t, before+1, testutil.ToFloat64(FetchTotal.WithLabelValues("stale-while-revalidate", "stale")))
}

func TestRecordLifecycleAndBuckets(t *testing.T) {
	enable(t)

	before := testutil.ToFloat64(LifecycleEventsTotal.WithLabelValues("install", "error"))
	RecordLifecycle("install", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(LifecycleEventsTotal.WithLabelValues("install", "error")))

	UpdateBucket("cascache-cache-v9", 3, 300)
	assert.Equal(t, 3.0, testutil.ToFloat64(BucketEntries.WithLabelValues("cascache-cache-v9")))
	assert.Equal(t, 300.0, testutil.ToFloat64(BucketBytes.WithLabelValues("cascache-cache-v9")))

	ForgetBucket("cascache-cache-v9")
	assert.Equal(t, 0.0, testutil.ToFloat64(BucketEntries.WithLabelValues("cascache-cache-v9")))
}

const testUUID = "0b6e8f52-0d0c-4d7c-9f57-6a2f1b3c4d5e"

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/":                    "/",
		"/index.html":          "/index.html",
		"/assets/icons/a.png":  "/assets/*",
		"/123":                 "/:id/*",
		"/app.3f9a2c1d4e.js":   "/app.:hash.js",
		"/u/" + testUUID:       "/u/*",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestHandlerToken(t *testing.T) {
	h := Handler(Config{Token: "s3cret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cascache_")
}

func TestMiddlewareCountsRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/pot", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pot", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/pot", "418")))
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	assert.Same(t, rw, NewResponseWriter(rw))

	rw.Write([]byte("ok"))
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, rw.Status)
	assert.Equal(t, 2, rw.Size)
}
