package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"taskly/backend"
)

// SchemaVersion is the current replica schema version. Bumping it runs the
// matching upgrade step once on the next Open.
const SchemaVersion = 1

// Store implements backend.Replica using SQLite
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the replica database and upgrades its schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases alive and serializes batches.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.upgrade(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// upgradeSteps maps a schema version to the statements that bring a store to it.
// Every statement must be safe to re-run against an already upgraded store.
var upgradeSteps = map[int]string{
	1: `
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pendiente',
			position INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`,
}

// upgrade runs each pending upgrade step once, recording it in schema_version
func (s *Store) upgrade(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := s.Version(ctx)
	if err != nil {
		return err
	}

	for v := current + 1; v <= SchemaVersion; v++ {
		stmt, ok := upgradeSteps[v]
		if !ok {
			return fmt.Errorf("no upgrade step for schema version %d", v)
		}
		if err := s.applyStep(ctx, v, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyStep(ctx context.Context, version int, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("schema upgrade to v%d failed: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return tx.Commit()
}

// Version returns the highest applied schema version (0 for a fresh store)
func (s *Store) Version(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// GetAll returns all tasks in stored order
func (s *Store) GetAll(ctx context.Context) ([]backend.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, status FROM tasks ORDER BY position, rowid")
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// GetByStatus returns the tasks with the given status, using the status index
func (s *Store) GetByStatus(ctx context.Context, status backend.TaskStatus) ([]backend.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, status FROM tasks WHERE status = ? ORDER BY position, rowid", string(status))
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]backend.Task, error) {
	defer func() { _ = rows.Close() }()

	tasks := []backend.Task{}
	for rows.Next() {
		var t backend.Task
		var status string
		if err := rows.Scan(&t.ID, &t.Title, &status); err != nil {
			return nil, err
		}
		t.Status = backend.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Count returns the number of stored tasks
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n)
	return n, err
}

// PutAll upserts every task by id inside a single transaction.
// If any row fails the whole batch is rolled back.
func (s *Store) PutAll(ctx context.Context, tasks []backend.Task) error {
	return s.batch(ctx, false, tasks)
}

// ReplaceAll overwrites the replica with tasks inside a single transaction.
func (s *Store) ReplaceAll(ctx context.Context, tasks []backend.Task) error {
	return s.batch(ctx, true, tasks)
}

func (s *Store) batch(ctx context.Context, replace bool, tasks []backend.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
			return fmt.Errorf("failed to clear replica: %w", err)
		}
	}

	var base int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), -1) + 1 FROM tasks").Scan(&base); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (id, title, status, position) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, status = excluded.status`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, t := range tasks {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Title, string(t.Status), base+i); err != nil {
			return fmt.Errorf("failed to write task %d: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// Clear removes every task from the replica
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks")
	return err
}

// exportFile is the layout written by Export
type exportFile struct {
	Tasks      []backend.Task `json:"tasks"`
	ExportDate string         `json:"exportDate"`
}

// Export writes all tasks as an indented JSON backup document
func (s *Store) Export(ctx context.Context, w io.Writer, now time.Time) error {
	tasks, err := s.GetAll(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportFile{Tasks: tasks, ExportDate: now.UTC().Format(time.RFC3339)})
}

// Path returns the database path the store was opened with
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
