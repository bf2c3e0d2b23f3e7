// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package storage

import (
	"context"
	"fmt"
	"net/http"
)

// Migrate copies every bucket of src into dst, keeping bucket and entry
// order. Buckets already present in dst are merged into.
func Migrate(ctx context.Context, src, dst Storage) (int, error) {
	names, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list source buckets: %w", err)
	}

	count := 0
	for _, name := range names {
		from, err := src.Open(ctx, name)
		if err != nil {
			return count, err
		}
		to, err := dst.Open(ctx, name)
		if err != nil {
			return count, err
		}

		entries, err := from.Entries(ctx)
		if err != nil {
			return count, fmt.Errorf("read %s: %w", name, err)
		}
		for _, e := range entries {
			req, err := requestFor(e)
			if err != nil {
				return count, err
			}
			if err := to.Put(ctx, req, e); err != nil {
				return count, fmt.Errorf("copy %s%s: %w", name, e.URL, err)
			}
			count++
		}
	}

	return count, nil
}

// requestFor rebuilds a request whose Vary headers reproduce the snapshot.
func requestFor(e *Entry) (*http.Request, error) {
	req, err := NewRequest(e.URL)
	if err != nil {
		return nil, fmt.Errorf("rebuild request %s: %w", e.URL, err)
	}
	for name, value := range e.Vary {
		if value != "" {
			req.Header.Set(name, value)
		}
	}
	return req, nil
}
