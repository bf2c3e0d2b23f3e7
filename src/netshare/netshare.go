// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package netshare

import (
	"errors"
)

var (
	// HTTP 400
	ErrBadRequest = errors.New("Bad Request")
	// HTTP 401
	ErrUnauthorized = errors.New("Unauthorized")
	// HTTP 404
	ErrNotFound = errors.New("Not Found")
	// HTTP 405
	ErrMethodNotAllowed = errors.New("Method Not Allowed")
	// HTTP 413
	ErrPayloadTooLarge = errors.New("Payload Too Large")
	// HTTP 500
	ErrInternal = errors.New("Internal Server Error")
	// HTTP 502
	ErrBadGateway = errors.New("Bad Gateway")
	// HTTP 503
	ErrServiceUnavailable = errors.New("Service Unavailable")
)
