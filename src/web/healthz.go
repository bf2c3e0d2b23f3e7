// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type healthzResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	FQDN      string `json:"fqdn,omitempty"`
	Storage   string `json:"storage"`
	Worker    string `json:"worker"`
	Uptime    int64  `json:"uptime"`
}

var startTime = time.Now()

func wantsJSON(req *http.Request) bool {
	return req.URL.Query().Get("format") == "json" ||
		strings.Contains(req.Header.Get("Accept"), "application/json")
}

// Pattern: /healthz
func (data *Data) handleHealthz(rw http.ResponseWriter, req *http.Request) error {
	resp := healthzResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Version:   data.Version,
		FQDN:      data.FQDN,
		Storage:   "connected",
		Worker:    "none",
		Uptime:    int64(time.Since(startTime).Seconds()),
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	if err := data.Storage.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Storage = "error"
	}
	if w := data.Registration.Active(); w != nil {
		resp.Worker = w.Version()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	if wantsJSON(req) {
		writeJSON(rw, code, resp)
		return nil
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(code)
	fmt.Fprintf(rw, "status: %s\nversion: %s\nstorage: %s\nworker: %s\nuptime: %s\n",
		resp.Status, resp.Version, resp.Storage, resp.Worker, formatUptime(resp.Uptime))
	return nil
}

// formatUptime formats seconds into human-readable uptime
// Examples: "20 seconds", "1 hour and 20 minutes", "2 days, 3 hours and 1 minute"
func formatUptime(totalSeconds int64) string {
	if totalSeconds < 1 {
		return "just started"
	}

	units := []struct {
		name    string
		seconds int64
	}{
		{"year", 365 * 24 * 3600},
		{"week", 7 * 24 * 3600},
		{"day", 24 * 3600},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	var parts []string
	for _, u := range units {
		n := totalSeconds / u.seconds
		if n == 0 {
			continue
		}
		totalSeconds %= u.seconds
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
