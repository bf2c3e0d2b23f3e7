// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound          = errors.New("storage: no matching entry")
	ErrBucketGone        = errors.New("storage: bucket was deleted")
	ErrMethodNotCachable = errors.New("storage: only GET requests can be stored")
	ErrPartialContent    = errors.New("storage: 206 responses can not be stored")
	ErrVaryWildcard      = errors.New("storage: responses with Vary: * can not be stored")
)

// Storage is the set of named cache buckets of one deployment.
type Storage interface {
	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
	Has(ctx context.Context, name string) (bool, error)
	// Open returns the named bucket, creating it when missing.
	Open(ctx context.Context, name string) (Bucket, error)
	// Delete removes a bucket with all entries and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match searches every bucket in creation order.
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error)
	Stats(ctx context.Context) ([]BucketStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Bucket maps request keys to stored responses.
type Bucket interface {
	Name() string
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error)
	MatchAll(ctx context.Context, req *http.Request, opts MatchOptions) ([]*Entry, error)
	// Put stores resp under the key of req, replacing an existing entry.
	Put(ctx context.Context, req *http.Request, resp *Entry) error
	Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error)
	// Keys lists stored request keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
	Entries(ctx context.Context) ([]*Entry, error)
}

type MatchOptions struct {
	// IgnoreSearch drops the query string on both sides
	IgnoreSearch bool
	// IgnoreMethod lets non-GET requests match GET entries
	IgnoreMethod bool
	// IgnoreVary skips the Vary header comparison
	IgnoreVary bool
}

type Entry struct {
	// Request key, see RequestKey
	URL    string
	Method string
	Status int
	Header http.Header
	Body   []byte
	// Request header values named by the response Vary header at store time
	Vary     map[string]string
	StoredAt time.Time
}

func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	if e.Vary != nil {
		c.Vary = make(map[string]string, len(e.Vary))
		for k, v := range e.Vary {
			c.Vary[k] = v
		}
	}
	return &c
}

type BucketStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Config selects and tunes a backend.
type Config struct {
	// sqlite, postgres, mysql, mariadb or memory
	Driver       string
	Source       string
	MaxOpenConns int
	MaxIdleConns int
}

// New opens the configured backend and prepares its schema.
func New(ctx context.Context, cfg Config) (Storage, error) {
	if cfg.Driver == "memory" {
		return NewMemory(), nil
	}

	db, err := NewPool(cfg.Driver, cfg.Source, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	if err := db.InitDB(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s schema: %w", cfg.Driver, err)
	}
	return db, nil
}

// checkPut applies the Cache API put restrictions and returns the Vary
// snapshot to record.
func checkPut(req *http.Request, resp *Entry) (map[string]string, error) {
	if req.Method != http.MethodGet {
		return nil, ErrMethodNotCachable
	}
	if resp.Status == http.StatusPartialContent {
		return nil, ErrPartialContent
	}
	return captureVary(req, resp.Header)
}

// prepare fills the derived fields of a copy of resp before it is stored.
func prepare(req *http.Request, resp *Entry, vary map[string]string) *Entry {
	e := resp.Clone()
	e.URL = RequestKey(req.URL)
	e.Method = http.MethodGet
	e.Vary = vary
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	return e
}
