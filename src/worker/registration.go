// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/casjay-forks/cascache/src/metrics"
	"github.com/casjay-forks/cascache/src/netshare"
	"github.com/casjay-forks/cascache/src/origin"
	"github.com/casjay-forks/cascache/src/storage"
)

type RegistrationOptions struct {
	Scope  string
	Worker Options
	Source VersionSource
	// Defaults to a registry with a 24h TTL
	Clients *Clients
	// Requests for other hosts are passed through; empty intercepts all
	PublicHost string
}

// FetchEvent is one intercepted request.
type FetchEvent struct {
	Request  *http.Request
	ClientID string
	// Host as seen by the browser, after trusted proxy headers
	Host string
}

// Registration owns the workers of one scope. At most one worker is
// active and at most one is waiting.
type Registration struct {
	scope      string
	opts       Options
	source     VersionSource
	clients    *Clients
	publicHost string

	// serializes Register, SkipWaiting and Update
	lifecycle sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	retired []*Worker
}

func NewRegistration(opts RegistrationOptions) *Registration {
	if opts.Clients == nil {
		opts.Clients = NewClients(0)
	}
	if opts.Source == nil {
		opts.Source = StaticSource(ScopeVersion(opts.Scope))
	}
	return &Registration{
		scope:      opts.Scope,
		opts:       opts.Worker,
		source:     opts.Source,
		clients:    opts.Clients,
		publicHost: strings.ToLower(opts.PublicHost),
	}
}

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) Clients() *Clients { return r.clients }

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Installed reports whether some version is active.
func (r *Registration) Installed() bool {
	return r.Active() != nil
}

// Register installs version unless it is already active or waiting. A
// failed install keeps the active worker serving.
func (r *Registration) Register(ctx context.Context, version string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	if active != nil && active.Version() == version {
		return nil
	}
	if waiting != nil && waiting.Version() == version {
		return r.activateIfUnclaimed(ctx)
	}

	w := New(version, r.opts)
	err := w.Install(ctx)
	metrics.RecordLifecycle("install", err)
	if err != nil {
		r.retire(w)
		return err
	}

	r.mu.Lock()
	replaced := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if replaced != nil {
		r.retire(replaced)
		r.opts.Log.Info("Waiting worker " + replaced.Version() + " replaced by " + version)
	}

	if active == nil || w.SkipWaitingRequested() || r.clients.ControlledBy(active.Version()) == 0 {
		return r.activateWaiting(ctx)
	}
	r.opts.Log.Info("Worker " + version + " is waiting for clients of " + active.Version())
	return nil
}

// SkipWaiting activates the waiting worker. It reports false when nothing
// was waiting.
func (r *Registration) SkipWaiting(ctx context.Context) (bool, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w := r.Waiting()
	if w == nil {
		return false, nil
	}
	w.SkipWaiting()
	return true, r.activateWaiting(ctx)
}

// Update asks the version source for the current version and registers it.
func (r *Registration) Update(ctx context.Context) error {
	version, err := r.source.Version(ctx)
	metrics.RecordLifecycle("update", err)
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}
	return r.Register(ctx, version)
}

// activateWaiting must be called with the lifecycle lock held.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	r.active = next
	r.waiting = nil
	r.mu.Unlock()

	if previous != nil {
		r.retire(previous)
	}

	err := next.Activate(ctx)
	metrics.RecordLifecycle("activate", err)
	if err != nil {
		// Activation still completes, stale buckets are retried next time
		r.opts.Log.Error(err)
	}

	claimed := r.clients.Claim(next.Version())
	metrics.SetControlledClients(claimed)
	r.opts.Log.Info(fmt.Sprintf("Worker %s activated, claimed %d clients", next.Version(), claimed))
	return err
}

// activateIfUnclaimed activates the waiting worker once no live client is
// controlled by the active one. Must be called with the lifecycle lock held.
func (r *Registration) activateIfUnclaimed(ctx context.Context) error {
	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	if waiting == nil || active == nil || r.clients.ControlledBy(active.Version()) > 0 {
		return nil
	}
	r.opts.Log.Info("Clients of " + active.Version() + " are gone, activating " + waiting.Version())
	return r.activateWaiting(ctx)
}

// retire marks w redundant. Only retired workers with refreshes still
// running are remembered, so Close can wait for them.
func (r *Registration) retire(w *Worker) {
	w.setState(StateRedundant)

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.retired[:0]
	for _, old := range r.retired {
		if !old.refresher.idle() {
			kept = append(kept, old)
		}
	}
	clear(r.retired[len(kept):])
	r.retired = kept
	if !w.refresher.idle() {
		r.retired = append(r.retired, w)
	}
}

// Dispatch routes one request: uncontrolled clients and foreign hosts go
// straight to the origin, everything else to the active worker.
func (r *Registration) Dispatch(ctx context.Context, ev FetchEvent) (*Result, error) {
	active := r.Active()
	if active == nil || !r.ownHost(ev.Host) {
		return r.bypass(ctx, ev.Request)
	}

	navigation := IsNavigation(ev.Request)
	controlled := ev.ClientID != "" && r.clients.Touch(ev.ClientID) != ""
	if !controlled {
		if !navigation || ev.ClientID == "" {
			return r.bypass(ctx, ev.Request)
		}
		r.clients.Control(ev.ClientID, active.Version())
		metrics.SetControlledClients(r.clients.ControlledBy(active.Version()))
	}

	return active.HandleFetch(ctx, ev.Request)
}

func (r *Registration) ownHost(host string) bool {
	if r.publicHost == "" {
		return true
	}
	host = strings.ToLower(host)
	return host == r.publicHost || netshare.StripPort(host) == r.publicHost
}

func (r *Registration) bypass(ctx context.Context, req *http.Request) (*Result, error) {
	resp, err := r.opts.Origin.Fetch(ctx, req, origin.FetchOptions{})
	if err != nil {
		metrics.RecordFetch(string(StrategyBypass), "error")
		return nil, err
	}
	metrics.RecordFetch(string(StrategyBypass), string(SourceBypass))
	return resultFromResponse(resp, SourceBypass, StrategyBypass), nil
}

// Message handles a page message. Unknown types are not an error.
func (r *Registration) Message(ctx context.Context, msg Message) (*Reply, error) {
	reply := &Reply{Type: msg.Type}

	switch msg.Type {
	case MessageSkipWaiting:
		if _, err := r.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		reply.Handled = true
	case MessageGetVersion:
		reply.Handled = true
	default:
		r.opts.Log.Debug("Ignoring message " + msg.Type)
		return reply, nil
	}

	if w := r.Active(); w != nil {
		reply.Active = w.Version()
		reply.Bucket = w.Bucket()
	}
	if w := r.Waiting(); w != nil {
		reply.Waiting = w.Version()
	}
	return reply, nil
}

type Status struct {
	Scope      string `json:"scope"`
	Active     *Info  `json:"active,omitempty"`
	Waiting    *Info  `json:"waiting,omitempty"`
	Clients    int    `json:"clients"`
	Controlled int    `json:"controlled"`
}

func (r *Registration) Snapshot() Status {
	s := Status{Scope: r.scope, Clients: r.clients.Count()}
	if w := r.Active(); w != nil {
		info := w.Info()
		s.Active = &info
		s.Controlled = r.clients.ControlledBy(w.Version())
	}
	if w := r.Waiting(); w != nil {
		info := w.Info()
		s.Waiting = &info
	}
	return s
}

// RecordStats refreshes the bucket gauges from storage.
func (r *Registration) RecordStats(ctx context.Context) ([]storage.BucketStats, error) {
	stats, err := r.opts.Storage.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("bucket stats: %w", err)
	}
	for _, s := range stats {
		metrics.UpdateBucket(s.Name, s.Entries, s.Bytes)
	}
	return stats, nil
}

// PruneClients forgets expired clients. A waiting worker activates when
// that leaves the active one without clients.
func (r *Registration) PruneClients(ctx context.Context) (int, error) {
	n := r.clients.Prune()
	if w := r.Active(); w != nil {
		metrics.SetControlledClients(r.clients.ControlledBy(w.Version()))
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return n, r.activateIfUnclaimed(ctx)
}

// Close waits for background refreshes of every worker ever registered.
func (r *Registration) Close(ctx context.Context) error {
	r.mu.RLock()
	workers := append([]*Worker(nil), r.retired...)
	if r.waiting != nil {
		workers = append(workers, r.waiting)
	}
	if r.active != nil {
		workers = append(workers, r.active)
	}
	r.mu.RUnlock()

	var errs []error
	for _, w := range workers {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", w.Version(), err))
		}
	}
	return errors.Join(errs...)
}
