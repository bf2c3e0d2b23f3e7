// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package config

import "time"

const Software = "CasCache"

const (
	defaultOriginTimeout = 10 * time.Second
	defaultClientTTL     = 24 * time.Hour
)
