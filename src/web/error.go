// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/casjay-forks/cascache/src/netshare"
)

type errorResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func errorCode(e error) int {
	switch {
	case errors.Is(e, netshare.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(e, netshare.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(e, netshare.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(e, netshare.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(e, netshare.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(e, netshare.ErrBadGateway):
		return http.StatusBadGateway
	case errors.Is(e, netshare.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status mapped from e: JSON on the control
// API, plain text everywhere else.
func (data *Data) writeError(rw http.ResponseWriter, req *http.Request, e error) int {
	code := errorCode(e)
	if code >= 500 {
		data.Log.HttpError(req, e)
	}
	if code == http.StatusUnauthorized {
		rw.Header().Set("WWW-Authenticate", `Bearer realm="cascache"`)
	}

	if strings.HasPrefix(req.URL.Path, controlPrefix) {
		writeJSON(rw, code, errorResponse{Code: code, Error: http.StatusText(code)})
		return code
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.WriteHeader(code)
	rw.Write([]byte(http.StatusText(code) + "\n"))
	return code
}
