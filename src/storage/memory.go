// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package storage

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

// Memory keeps buckets in process memory. Nothing survives a restart.
// Items never expire and no janitor goroutine runs.
type Memory struct {
	buckets *gocache.Cache
	seq     atomic.Uint64
}

type memBucket struct {
	store   *Memory
	name    string
	seq     uint64
	deleted atomic.Bool

	// Serializes replace-on-put
	mu      sync.Mutex
	entries *gocache.Cache
}

type memRecord struct {
	entry *Entry
	seq   uint64
}

func NewMemory() *Memory {
	return &Memory{buckets: gocache.New(gocache.NoExpiration, 0)}
}

func (m *Memory) sortedBuckets() []*memBucket {
	items := m.buckets.Items()
	out := make([]*memBucket, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*memBucket))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	names := []string{}
	for _, b := range m.sortedBuckets() {
		names = append(names, b.name)
	}
	return names, nil
}

func (m *Memory) Has(ctx context.Context, name string) (bool, error) {
	_, ok := m.buckets.Get(name)
	return ok, nil
}

func (m *Memory) Open(ctx context.Context, name string) (Bucket, error) {
	b := &memBucket{
		store:   m,
		name:    name,
		seq:     m.seq.Add(1),
		entries: gocache.New(gocache.NoExpiration, 0),
	}
	// Add fails when another caller created the bucket first
	if err := m.buckets.Add(name, b, gocache.NoExpiration); err != nil {
		if existing, ok := m.buckets.Get(name); ok {
			return existing.(*memBucket), nil
		}
		return nil, err
	}
	return b, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	existing, ok := m.buckets.Get(name)
	if !ok {
		return false, nil
	}
	existing.(*memBucket).deleted.Store(true)
	m.buckets.Delete(name)
	return true, nil
}

func (m *Memory) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error) {
	for _, b := range m.sortedBuckets() {
		e, err := b.Match(ctx, req, opts)
		if err == nil {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Stats(ctx context.Context) ([]BucketStats, error) {
	stats := []BucketStats{}
	for _, b := range m.sortedBuckets() {
		st := BucketStats{Name: b.name}
		for _, rec := range b.records() {
			st.Entries++
			st.Bytes += rec.entry.Size()
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.buckets.Flush()
	return nil
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) records() []memRecord {
	items := b.entries.Items()
	out := make([]memRecord, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(memRecord))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (b *memBucket) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error) {
	all, _ := b.MatchAll(ctx, req, opts)
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

func (b *memBucket) MatchAll(ctx context.Context, req *http.Request, opts MatchOptions) ([]*Entry, error) {
	if !methodMatches(req, opts) {
		return nil, nil
	}
	var out []*Entry
	for _, rec := range b.records() {
		if matches(rec.entry, req, opts) {
			out = append(out, rec.entry.Clone())
		}
	}
	return out, nil
}

func (b *memBucket) Put(ctx context.Context, req *http.Request, resp *Entry) error {
	vary, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	if b.deleted.Load() {
		return ErrBucketGone
	}
	e := prepare(req, resp, vary)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Set(e.URL, memRecord{entry: e, seq: b.store.seq.Add(1)}, gocache.NoExpiration)
	return nil
}

func (b *memBucket) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	matched, _ := b.MatchAll(ctx, req, opts)
	for _, e := range matched {
		b.entries.Delete(e.URL)
	}
	return len(matched) > 0, nil
}

func (b *memBucket) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	for _, rec := range b.records() {
		keys = append(keys, rec.entry.URL)
	}
	return keys, nil
}

func (b *memBucket) Entries(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	for _, rec := range b.records() {
		out = append(out, rec.entry.Clone())
	}
	return out, nil
}
