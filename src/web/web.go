// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package web is the HTTP surface of the proxy: fetch interception for every
// path plus a small control API under /_cascache/.
package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/casjay-forks/cascache/src/config"
	"github.com/casjay-forks/cascache/src/logger"
	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/netshare"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/scheduler"
	"github.com/casjay-forks/cascache/src/storage"
	"github.com/casjay-forks/cascache/src/worker"
)

const (
	controlPrefix = "/_cascache/"
	MessagePath   = controlPrefix + "message"
	StatusPath    = controlPrefix + "status"
	HealthPath    = "/healthz"
)

type Data struct {
	Registration *worker.Registration
	Storage      storage.Storage
	// Optional, adds task state to the status document
	Scheduler *scheduler.Scheduler
	Log       logger.Logger
	Proxies   *netshare.Proxies
	Metrics   metrics.Config

	Version string
	FQDN    string
	// Bearer token for the control API, empty disables the check
	ControlToken string
	// Lifetime of the client cookie
	ClientTTL time.Duration
}

func (data *Data) Handler(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	w := metrics.NewResponseWriter(rw)
	w.Header().Set("Server", config.Software+"/"+data.Version)

	var err error
	switch path := req.URL.Path; {
	case path == MessagePath:
		err = data.handleMessage(w, req)
	case path == StatusPath:
		err = data.handleStatus(w, req)
	case path == HealthPath:
		err = data.handleHealthz(w, req)
	case data.Metrics.Enabled && path == data.Metrics.Endpoint:
		metrics.Handler(data.Metrics).ServeHTTP(w, req)
	case strings.HasPrefix(path, controlPrefix):
		err = netshare.ErrNotFound
	default:
		err = data.handleFetch(w, req)
	}

	if err != nil {
		data.writeError(w, req, err)
	}
	data.Log.HttpRequest(req, w.Status, int64(w.Size), time.Since(start))
}

func (data *Data) handleFetch(rw http.ResponseWriter, req *http.Request) error {
	ev := worker.FetchEvent{
		Request:  req,
		ClientID: data.clientID(rw, req),
		Host:     data.Proxies.Host(req),
	}

	res, err := data.Registration.Dispatch(req.Context(), ev)
	if err != nil {
		if origin.IsNetworkError(err) || errors.Is(err, origin.ErrBodyTooLarge) {
			return fmt.Errorf("%w: %w", netshare.ErrBadGateway, err)
		}
		return err
	}

	writeResult(rw, req, res)
	return nil
}

// clientID returns the client cookie value. Navigations without a valid
// cookie get a fresh ID; other requests stay anonymous.
func (data *Data) clientID(rw http.ResponseWriter, req *http.Request) string {
	if c, err := req.Cookie(worker.ClientCookie); err == nil && worker.ValidClientID(c.Value) {
		return c.Value
	}
	if !worker.IsNavigation(req) {
		return ""
	}

	id := worker.NewClientID()
	cookie := &http.Cookie{
		Name:     worker.ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   data.Proxies.Proto(req) == "https",
	}
	if data.ClientTTL > 0 {
		cookie.MaxAge = int(data.ClientTTL.Seconds())
	}
	http.SetCookie(rw, cookie)
	return id
}

func writeResult(rw http.ResponseWriter, req *http.Request, res *worker.Result) {
	h := rw.Header()
	for name, values := range res.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set("X-CasCache", string(res.Source))
	if bodyAllowed(res.Status) && (req.Method != http.MethodHead || len(res.Body) > 0) {
		h.Set("Content-Length", fmt.Sprint(len(res.Body)))
	}

	rw.WriteHeader(res.Status)
	if req.Method != http.MethodHead && bodyAllowed(res.Status) {
		rw.Write(res.Body)
	}
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
