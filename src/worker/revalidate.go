// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/storage"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const defaultRevalidateTimeout = 10 * time.Second

// refresher runs stale-while-revalidate background fetches. Refreshes of
// the same key share one fetch, and all of them outlive the client request.
type refresher struct {
	w       *Worker
	limiter *rate.Limiter
	timeout time.Duration

	group    singleflight.Group
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func newRefresher(w *Worker, limiter *rate.Limiter, timeout time.Duration) *refresher {
	if timeout <= 0 {
		timeout = defaultRevalidateTimeout
	}
	return &refresher{w: w, limiter: limiter, timeout: timeout}
}

// refresh starts a background update of the entry for req and returns at once.
func (r *refresher) refresh(req *http.Request) {
	if r.w.redundant() {
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		metrics.RecordRevalidation("throttled")
		return
	}

	// Detached from the client so the refresh survives the response,
	// request scoped values such as the request ID are kept.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.timeout)
	clone := req.Clone(ctx)
	clone.Method = http.MethodGet
	clone.Body = http.NoBody
	clone.ContentLength = 0
	for _, name := range validators {
		clone.Header.Del(name)
	}
	key := storage.RequestKey(req.URL)

	r.wg.Add(1)
	r.inflight.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)
		defer cancel()

		result, _, shared := r.group.Do(key, func() (any, error) {
			return r.run(ctx, clone), nil
		})
		if !shared {
			metrics.RecordRevalidation(result.(string))
		}
	}()
}

func (r *refresher) run(ctx context.Context, req *http.Request) string {
	key := storage.RequestKey(req.URL)

	resp, err := r.w.origin.Fetch(ctx, req, origin.FetchOptions{})
	if err != nil {
		r.w.log.Debug("Refresh of " + key + " failed: " + err.Error())
		return "error"
	}
	if resp.Status != http.StatusOK {
		return "skipped"
	}
	if r.w.redundant() {
		return "skipped"
	}

	bucket, err := r.w.cache(ctx)
	if err != nil {
		r.w.log.Warn("Refresh of " + key + ": " + err.Error())
		return "error"
	}
	if err := bucket.Put(ctx, req, entryFrom(resp)); err != nil {
		if errors.Is(err, storage.ErrBucketGone) || errors.Is(err, storage.ErrVaryWildcard) {
			return "skipped"
		}
		r.w.log.Warn("Refresh of " + key + ": " + err.Error())
		return "error"
	}
	return "updated"
}

// idle reports whether no refresh is running.
func (r *refresher) idle() bool {
	return r.inflight.Load() == 0
}

// wait blocks until every started refresh has finished or ctx is done.
func (r *refresher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
