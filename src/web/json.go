// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v indented with two spaces and a trailing newline.
func writeJSON(rw http.ResponseWriter, code int, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"code": 500, "error": "Internal Server Error"}`)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(code)
	rw.Write(body)
	rw.Write([]byte("\n"))
}
