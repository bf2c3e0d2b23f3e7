// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package cli

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	testData := map[string]time.Duration{
		"10m":   10 * time.Minute,
		"1h 1d": 25 * time.Hour,
		"1h1d":  25 * time.Hour,
		"1w":    7 * 24 * time.Hour,
		"365d":  365 * 24 * time.Hour,
		"1m30s": 90 * time.Second,
		"500ms": 500 * time.Millisecond,
		"0":     0,
	}

	for s, exp := range testData {
		res, err := ParseDuration(s)
		if err != nil {
			t.Fatal(err)
		}

		if exp != res {
			t.Error("expected", exp, "but got", res, "(input:", s, ")")
		}
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, s := range []string{"10", "1x", "d", "1d 2"} {
		if _, err := ParseDuration(s); err == nil {
			t.Error("expected error for", s)
		}
	}
}
