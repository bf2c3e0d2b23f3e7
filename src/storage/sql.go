// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	defaultQueryTimeout = 5 * time.Second
	defaultListTimeout  = 10 * time.Second
	defaultBatchTimeout = 30 * time.Second
)

// SQL keeps buckets in a relational database.
type SQL struct {
	pool   *sql.DB
	driver string

	seqMu   sync.Mutex
	lastSeq int64
}

func sqlDriverName(driver string) (string, string, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return "sqlite", "sqlite", nil
	case "postgres", "postgresql":
		return "pgx", "postgres", nil
	case "mysql", "mariadb":
		return "mysql", "mysql", nil
	default:
		return "", "", fmt.Errorf("storage: unknown database driver %q", driver)
	}
}

func NewPool(driver, dataSourceName string, maxOpenConns, maxIdleConns int) (*SQL, error) {
	sqlName, dialect, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open(sqlName, dataSourceName)
	if err != nil {
		return nil, err
	}

	if dialect == "sqlite" {
		// One writer at a time avoids SQLITE_BUSY; connections must not be
		// recycled or an in-memory database vanishes.
		pool.SetMaxOpenConns(1)
	} else {
		pool.SetMaxOpenConns(maxOpenConns)
		pool.SetMaxIdleConns(maxIdleConns)
		pool.SetConnMaxLifetime(time.Hour)
		pool.SetConnMaxIdleTime(10 * time.Minute)
	}

	return &SQL{pool: pool, driver: dialect}, nil
}

func (s *SQL) InitDB(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultBatchTimeout)
	defer cancel()

	var stmts []string
	switch s.driver {
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS buckets (
				name       VARCHAR(191) NOT NULL PRIMARY KEY,
				created_at BIGINT       NOT NULL,
				seq        BIGINT       NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS entries (
				bucket        VARCHAR(191) NOT NULL,
				url           VARCHAR(512) NOT NULL,
				url_no_search VARCHAR(512) NOT NULL,
				method        VARCHAR(16)  NOT NULL,
				status        INT          NOT NULL,
				header        LONGTEXT     NOT NULL,
				vary          TEXT         NOT NULL,
				body          LONGBLOB     NOT NULL,
				stored_at     BIGINT       NOT NULL,
				seq           BIGINT       NOT NULL,
				PRIMARY KEY (bucket, url),
				INDEX entries_no_search (bucket, url_no_search)
			)`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS buckets (
				name       TEXT   PRIMARY KEY,
				created_at BIGINT NOT NULL,
				seq        BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS entries (
				bucket        TEXT    NOT NULL,
				url           TEXT    NOT NULL,
				url_no_search TEXT    NOT NULL,
				method        TEXT    NOT NULL,
				status        INTEGER NOT NULL,
				header        TEXT    NOT NULL,
				vary          TEXT    NOT NULL,
				body          BYTEA   NOT NULL,
				stored_at     BIGINT  NOT NULL,
				seq           BIGINT  NOT NULL,
				PRIMARY KEY (bucket, url)
			)`,
			`CREATE INDEX IF NOT EXISTS entries_no_search ON entries (bucket, url_no_search)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS buckets (
				name       TEXT    PRIMARY KEY,
				created_at INTEGER NOT NULL,
				seq        INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS entries (
				bucket        TEXT    NOT NULL,
				url           TEXT    NOT NULL,
				url_no_search TEXT    NOT NULL,
				method        TEXT    NOT NULL,
				status        INTEGER NOT NULL,
				header        TEXT    NOT NULL,
				vary          TEXT    NOT NULL,
				body          BLOB    NOT NULL,
				stored_at     INTEGER NOT NULL,
				seq           INTEGER NOT NULL,
				PRIMARY KEY (bucket, url)
			)`,
			`CREATE INDEX IF NOT EXISTS entries_no_search ON entries (bucket, url_no_search)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.pool.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nextSeq hands out strictly increasing values that also grow across restarts.
func (s *SQL) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *SQL) Close() error {
	return s.pool.Close()
}

func (s *SQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	return s.pool.PingContext(ctx)
}

func (s *SQL) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultListTimeout)
	defer cancel()

	rows, err := s.pool.QueryContext(ctx, `SELECT name FROM buckets ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQL) Has(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	return s.has(ctx, s.pool, name)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) has(ctx context.Context, q querier, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM buckets WHERE name = ?`), name).Scan(&count)
	return count > 0, err
}

func (s *SQL) Open(ctx context.Context, name string) (Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var query string
	switch s.driver {
	case "postgres":
		query = `INSERT INTO buckets (name, created_at, seq) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`
	case "mysql":
		query = `INSERT IGNORE INTO buckets (name, created_at, seq) VALUES (?, ?, ?)`
	default:
		query = `INSERT OR IGNORE INTO buckets (name, created_at, seq) VALUES (?, ?, ?)`
	}

	if _, err := s.pool.ExecContext(ctx, s.rebind(query), name, time.Now().Unix(), s.nextSeq()); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &sqlBucket{db: s, name: name}, nil
}

func (s *SQL) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultBatchTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM entries WHERE bucket = ?`), name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM buckets WHERE name = ?`), name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, tx.Commit()
}

const entryColumns = `e.url, e.method, e.status, e.header, e.vary, e.body, e.stored_at`

func (s *SQL) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error) {
	if !methodMatches(req, opts) {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	column := "e.url"
	if opts.IgnoreSearch {
		column = "e.url_no_search"
	}
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+`
		FROM entries e JOIN buckets b ON b.name = e.bucket
		WHERE `+column+` = ?
		ORDER BY b.seq, e.seq`, lookupKey(req, opts))
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if matches(e, req, opts) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *SQL) Stats(ctx context.Context) ([]BucketStats, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultListTimeout)
	defer cancel()

	rows, err := s.pool.QueryContext(ctx, `
		SELECT b.name, COUNT(e.url), COALESCE(SUM(LENGTH(e.body)), 0)
		FROM buckets b LEFT JOIN entries e ON e.bucket = b.name
		GROUP BY b.name, b.seq
		ORDER BY b.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []BucketStats{}
	for rows.Next() {
		var st BucketStats
		if err := rows.Scan(&st.Name, &st.Entries, &st.Bytes); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQL) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.pool.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e        Entry
			header   string
			vary     string
			storedAt int64
		)
		if err := rows.Scan(&e.URL, &e.Method, &e.Status, &header, &vary, &e.Body, &storedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
			return nil, fmt.Errorf("decode header of %s: %w", e.URL, err)
		}
		if err := json.Unmarshal([]byte(vary), &e.Vary); err != nil {
			return nil, fmt.Errorf("decode vary of %s: %w", e.URL, err)
		}
		e.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

type sqlBucket struct {
	db   *SQL
	name string
}

func (b *sqlBucket) Name() string {
	return b.name
}

func (b *sqlBucket) candidates(ctx context.Context, req *http.Request, opts MatchOptions) ([]*Entry, error) {
	column := "e.url"
	if opts.IgnoreSearch {
		column = "e.url_no_search"
	}
	return b.db.queryEntries(ctx, `SELECT `+entryColumns+`
		FROM entries e
		WHERE e.bucket = ? AND `+column+` = ?
		ORDER BY e.seq`, b.name, lookupKey(req, opts))
}

func (b *sqlBucket) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*Entry, error) {
	all, err := b.MatchAll(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

func (b *sqlBucket) MatchAll(ctx context.Context, req *http.Request, opts MatchOptions) ([]*Entry, error) {
	if !methodMatches(req, opts) {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	entries, err := b.candidates(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, e := range entries {
		if matches(e, req, opts) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *sqlBucket) Put(ctx context.Context, req *http.Request, resp *Entry) error {
	vary, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	e := prepare(req, resp, vary)

	header, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	varyJSON, err := json.Marshal(e.Vary)
	if err != nil {
		return err
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	tx, err := b.db.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := b.db.has(ctx, tx, b.name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketGone
	}

	if _, err := tx.ExecContext(ctx, b.db.rebind(`DELETE FROM entries WHERE bucket = ? AND url = ?`), b.name, e.URL); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, b.db.rebind(`
		INSERT INTO entries (bucket, url, url_no_search, method, status, header, vary, body, stored_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.name, e.URL, stripSearch(e.URL), e.Method, e.Status, string(header), string(varyJSON),
		body, e.StoredAt.UnixNano(), b.db.nextSeq())
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", e.URL, b.name, err)
	}

	return tx.Commit()
}

func (b *sqlBucket) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	matched, err := b.MatchAll(ctx, req, opts)
	if err != nil || len(matched) == 0 {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	for _, e := range matched {
		if _, err := b.db.pool.ExecContext(ctx, b.db.rebind(`DELETE FROM entries WHERE bucket = ? AND url = ?`), b.name, e.URL); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (b *sqlBucket) Keys(ctx context.Context) ([]string, error) {
	entries, err := b.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.URL)
	}
	return keys, nil
}

func (b *sqlBucket) Entries(ctx context.Context) ([]*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultListTimeout)
	defer cancel()

	return b.db.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries e WHERE e.bucket = ? ORDER BY e.seq`, b.name)
}
