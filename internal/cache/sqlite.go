package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS partitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		partition TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		status_text TEXT NOT NULL DEFAULT '',
		header TEXT NOT NULL DEFAULT '{}',
		body BLOB,
		stored_at TEXT NOT NULL,
		UNIQUE(partition, url)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_url ON entries(url);
`

// SQLiteStorage keeps partitions in a SQLite database so separate taskly
// processes (the CLI and taskly serve) share one cache.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens (creating if needed) the cache database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Path returns the database path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &sqliteCache{s: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM partitions WHERE name = ?", name).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStorage) Match(ctx context.Context, rawURL string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.url, e.status, e.status_text, e.header, e.body, e.stored_at
		FROM entries e JOIN partitions p ON p.name = e.partition
		WHERE e.url = ?
		ORDER BY p.seq
		LIMIT 1`, Key(rawURL))
	return scanEntry(row)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	s    *SQLiteStorage
	name string
}

func (c *sqliteCache) Name() string { return c.name }

func (c *sqliteCache) Match(ctx context.Context, rawURL string) (*Entry, error) {
	row := c.s.db.QueryRowContext(ctx, `
		SELECT url, status, status_text, header, body, stored_at
		FROM entries WHERE partition = ? AND url = ?`, c.name, Key(rawURL))
	return scanEntry(row)
}

func (c *sqliteCache) Put(ctx context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The partition may have been deleted since Open; recreate it like Cache Storage would.
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", c.name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (partition, url, status, status_text, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, url) DO UPDATE SET
			status = excluded.status,
			status_text = excluded.status_text,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		c.name, Key(e.URL), e.Status, e.StatusText, string(header), e.Body,
		storedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", e.URL, c.name, err)
	}
	return tx.Commit()
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.s.db.QueryContext(ctx, "SELECT url FROM entries WHERE partition = ? ORDER BY seq", c.name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (c *sqliteCache) Delete(ctx context.Context, rawURL string) (bool, error) {
	res, err := c.s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND url = ?", c.name, Key(rawURL))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e        Entry
		header   string
		storedAt string
	)
	err := row.Scan(&e.URL, &e.Status, &e.StatusText, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("corrupt headers for %s: %w", e.URL, err)
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
	return &e, nil
}
