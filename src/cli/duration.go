// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package cli

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go durations ("1m30s", "500ms") and the day/week
// shorthand used in config files ("1h 1d", "2w").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	errFormat := errors.New("invalid duration \"" + s + "\"")

	var out time.Duration
	var tmp string
	for _, c := range s {
		if c == ' ' {
			continue
		}

		if '0' <= c && c <= '9' {
			tmp += string(c)
			continue
		}

		val, err := strconv.ParseInt(tmp, 10, 64)
		if err != nil {
			return 0, errFormat
		}

		switch c {
		case 's':
			out += time.Duration(val) * time.Second
		case 'm':
			out += time.Duration(val) * time.Minute
		case 'h':
			out += time.Duration(val) * time.Hour
		case 'd':
			out += time.Duration(val) * 24 * time.Hour
		case 'w':
			out += time.Duration(val) * 7 * 24 * time.Hour
		default:
			return 0, errFormat
		}

		tmp = ""
	}

	if tmp != "" {
		return 0, errFormat
	}

	return out, nil
}
