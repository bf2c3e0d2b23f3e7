// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package worker applies the offline-caching service worker lifecycle on
// the server side: versioned precache on install, stale bucket removal on
// activate and per-request fetch strategies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Fetcher reaches the network. *origin.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, opts origin.FetchOptions) (*origin.Response, error)
}

// Log is satisfied by *logger.Logger.
type Log interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(e error)
}

// Options is shared by every worker of a registration.
type Options struct {
	Prefix string
	// Precache path templates, {version} is expanded
	Assets []string
	// Navigation fallback templates, {version} is expanded
	Fallbacks []string
	// Optional offline document served with 503 before the literal fallback
	OfflinePage          []byte
	SkipWaitingOnInstall bool

	Storage storage.Storage
	Origin  Fetcher
	Log     Log

	// Bounds each background refresh
	RevalidateTimeout time.Duration
	// Shared by all workers; nil disables throttling
	RevalidateLimiter *rate.Limiter
}

type Worker struct {
	version   string
	bucket    string
	assets    []string
	fallbacks []string
	offline   []byte

	skipOnInstall bool

	storage storage.Storage
	origin  Fetcher
	log     Log

	refresher *refresher

	mu          sync.RWMutex
	handle      storage.Bucket
	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

func New(version string, opts Options) *Worker {
	if opts.Assets == nil {
		opts.Assets = DefaultAssets()
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = DefaultFallbacks()
	}

	w := &Worker{
		version:       version,
		bucket:        BucketName(opts.Prefix, version),
		assets:        CoreAssets(version, opts.Assets),
		fallbacks:     CoreAssets(version, opts.Fallbacks),
		offline:       opts.OfflinePage,
		skipOnInstall: opts.SkipWaitingOnInstall,
		storage:       opts.Storage,
		origin:        opts.Origin,
		log:           opts.Log,
		state:         StateParsed,
	}
	w.refresher = newRefresher(w, opts.RevalidateLimiter, opts.RevalidateTimeout)
	return w
}

func (w *Worker) Version() string { return w.version }

func (w *Worker) Bucket() string { return w.bucket }

func (w *Worker) Assets() []string {
	return append([]string(nil), w.assets...)
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	switch s {
	case StateInstalled:
		w.installedAt = time.Now()
	case StateActivated:
		w.activatedAt = time.Now()
	}
}

// SkipWaiting asks for activation without waiting for old clients.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.skipWaiting = true
}

func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// cache returns the bucket opened on install. Writes through it fail once
// the bucket is deleted instead of bringing it back.
func (w *Worker) cache(ctx context.Context) (storage.Bucket, error) {
	w.mu.RLock()
	b := w.handle
	w.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	return w.storage.Open(ctx, w.bucket)
}

func (w *Worker) redundant() bool {
	return w.State() == StateRedundant
}

// Install precaches the core assets into this version's bucket. Every asset
// is fetched before anything is written; one failure fails the install and
// the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	if w.skipOnInstall {
		w.SkipWaiting()
	}

	bucket, err := w.storage.Open(ctx, w.bucket)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.version, err)
	}

	if err := addAll(ctx, bucket, w.origin, w.assets); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.version, err)
	}

	w.mu.Lock()
	w.handle = bucket
	w.mu.Unlock()

	w.setState(StateInstalled)
	w.log.Info(fmt.Sprintf("Worker %s installed, %d assets in %s", w.version, len(w.assets), w.bucket))
	return nil
}

// ErrStatus is an asset fetch answered with a non-2xx status.
type ErrStatus struct {
	URL    string
	Status int
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

func addAll(ctx context.Context, bucket storage.Bucket, fetcher Fetcher, paths []string) error {
	requests := make([]*http.Request, len(paths))
	responses := make([]*origin.Response, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("asset %q: %w", path, err)
		}
		requests[i] = req

		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req, origin.FetchOptions{})
			if err != nil {
				return err
			}
			if resp.Status < 200 || resp.Status > 299 {
				return &ErrStatus{URL: path, Status: resp.Status}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var written []*http.Request
	for i, req := range requests {
		err := bucket.Put(ctx, req, entryFrom(responses[i]))
		if err != nil {
			err = fmt.Errorf("store %s: %w", storage.RequestKey(req.URL), err)
			// Keep the bucket as it was before
			for _, w := range written {
				if _, derr := bucket.Delete(ctx, w, storage.MatchOptions{IgnoreVary: true}); derr != nil {
					err = errors.Join(err, fmt.Errorf("roll back %s: %w", storage.RequestKey(w.URL), derr))
				}
			}
			return err
		}
		written = append(written, req)
	}
	return nil
}

// Activate deletes every bucket except this version's own. A bucket that is
// already gone is not an error.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	defer w.setState(StateActivated)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("activate %s: list buckets: %w", w.version, err)
	}

	var errs []error
	for _, name := range names {
		if name == w.bucket {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		metrics.ForgetBucket(name)
		w.log.Info("Deleted stale bucket " + name)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("activate %s: %w", w.version, err)
	}
	return nil
}

// Close waits for background refreshes started by this worker.
func (w *Worker) Close(ctx context.Context) error {
	return w.refresher.wait(ctx)
}

type Info struct {
	Version     string    `json:"version"`
	Bucket      string    `json:"bucket"`
	State       State     `json:"state"`
	SkipWaiting bool      `json:"skip_waiting"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

func (w *Worker) Info() Info {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Info{
		Version:     w.version,
		Bucket:      w.bucket,
		State:       w.state,
		SkipWaiting: w.skipWaiting,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}

func entryFrom(resp *origin.Response) *storage.Entry {
	return &storage.Entry{
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   resp.Body,
	}
}
