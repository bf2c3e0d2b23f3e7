// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/casjay-forks/cascache/src/logger"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/storage"
	"github.com/casjay-forks/cascache/src/worker"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	data  *Data
	mock  *httpmock.MockTransport
	store *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := httpmock.NewMockTransport()
	client, err := origin.New(origin.Options{BaseURL: "http://origin.test", Transport: mock})
	require.NoError(t, err)

	store := storage.NewMemory()
	reg := worker.NewRegistration(worker.RegistrationOptions{
		Scope: "/?version=v1",
		Worker: worker.Options{
			Assets:               []string{"/index.html"},
			SkipWaitingOnInstall: true,
			Storage:              store,
			Origin:               client,
			Log:                  logger.Discard(),
		},
	})
	t.Cleanup(func() { reg.Close(context.Background()) })

	return &fixture{
		data: &Data{
			Registration: reg,
			Storage:      store,
			Log:          *logger.Discard(),
			Version:      "test",
		},
		mock:  mock,
		store: store,
	}
}

func (f *fixture) serve(path string, code int, body string) {
	f.mock.RegisterResponder(http.MethodGet, "http://origin.test"+path,
		httpmock.NewStringResponder(code, body))
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	f.serve("/index.html", http.StatusOK, "index")
	require.NoError(t, f.data.Registration.Register(context.Background(), "v1"))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.data.Handler(rec, req)
	return rec
}

func navigation(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}

func clientCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == worker.ClientCookie {
			return c
		}
	}
	t.Fatal("no client cookie set")
	return nil
}

func TestFetchWithoutActiveWorkerBypasses(t *testing.T) {
	f := newFixture(t)
	f.serve("/page", http.StatusOK, "page")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page", rec.Body.String())
	assert.Equal(t, "bypass", rec.Header().Get("X-CasCache"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, "CasCache/test", rec.Header().Get("Server"))
}

func TestNavigationSetsClientCookieAndIsControlled(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.serve("/", http.StatusOK, "home")

	rec := f.do(navigation("/"))
	assert.Equal(t, "network", rec.Header().Get("X-CasCache"))
	c := clientCookie(t, rec)
	assert.True(t, worker.ValidClientID(c.Value))
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "v1", f.data.Registration.Clients().Controller(c.Value))

	// The asset request of the same client is served from the precache
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(c)
	rec = f.do(req)
	assert.Equal(t, "stale", rec.Header().Get("X-CasCache"))
	assert.Equal(t, "index", rec.Body.String())
}

func TestAnonymousSubresourceBypasses(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, "bypass", rec.Header().Get("X-CasCache"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestNetworkFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.mock.RegisterResponder(http.MethodGet, "http://origin.test/down",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHeadHasNoBody(t *testing.T) {
	f := newFixture(t)
	f.mock.RegisterResponder(http.MethodHead, "http://origin.test/doc",
		httpmock.NewStringResponder(http.StatusOK, ""))

	rec := f.do(httptest.NewRequest(http.MethodHead, "/doc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUnknownControlPath(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/_cascache/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func postMessage(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, MessagePath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestMessage(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	rec := f.do(postMessage(`{"type":"GET_VERSION"}`, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var reply worker.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Handled)
	assert.Equal(t, "v1", reply.Active)
	assert.Equal(t, "cascache-cache-v1", reply.Bucket)

	rec = f.do(postMessage(`{"type":"PING"}`, ""))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(postMessage(`{not json`, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(postMessage(`{"type":"`+strings.Repeat("x", maxMessageBytes)+`"}`, ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, MessagePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestControlToken(t *testing.T) {
	f := newFixture(t)
	f.data.ControlToken = "secret"

	rec := f.do(postMessage(`{"type":"GET_VERSION"}`, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer"))

	rec = f.do(postMessage(`{"type":"GET_VERSION"}`, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(postMessage(`{"type":"GET_VERSION"}`, "secret"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, StatusPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, StatusPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var doc struct {
		Software string `json:"software"`
		Scope    string `json:"scope"`
		Active   struct {
			Version string `json:"version"`
		} `json:"active"`
		Buckets []storage.BucketStats `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "CasCache", doc.Software)
	assert.Equal(t, "/?version=v1", doc.Scope)
	assert.Equal(t, "v1", doc.Active.Version)
	require.Len(t, doc.Buckets, 1)
	assert.Equal(t, "cascache-cache-v1", doc.Buckets[0].Name)
	assert.Equal(t, 1, doc.Buckets[0].Entries)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	req.Header.Set("Accept", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Storage)
	assert.Equal(t, "v1", resp.Worker)

	rec = f.do(httptest.NewRequest(http.MethodGet, HealthPath, nil))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "status: healthy\n")
	assert.Contains(t, rec.Body.String(), "worker: v1\n")
}

func TestFormatUptime(t *testing.T) {
	t.Parallel()

	tests := map[int64]string{
		0:      "just started",
		20:     "20 seconds",
		60:     "1 minute",
		4800:   "1 hour and 20 minutes",
		183660: "2 days, 3 hours and 1 minute",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatUptime(in), in)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		assert.Equal(t, seen, r.Header.Get("X-Request-ID"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	const upstream = "6f1d3c1e-8d9a-4b65-9a4e-0d7b6b5c2f10"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", upstream)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, upstream, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "not-an-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "not-an-id", seen)
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	h := PanicRecoveryMiddleware(*logger.Discard(), false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestMaintenance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := MaintenanceMiddleware(dir)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".maintenance"), nil, 0644))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
