// Package geodb implements directory-backed geodatabases. A store is a
// directory named <NAME>.gdb holding one SQLite database; every feature class
// or table is a SQL table described by a row in the gdb_items catalog.
package geodb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	// Extension is the directory suffix of a store.
	Extension = ".gdb"
	// DatabaseFile is the SQLite file inside a store directory.
	DatabaseFile = "gdb.sqlite"

	sqliteDriver = "sqlite"
)

// ErrNotFound is returned when a feature class does not exist in a store.
var ErrNotFound = errors.New("feature class not found")

const catalogDDL = `
CREATE TABLE IF NOT EXISTS gdb_items (
	name          TEXT PRIMARY KEY COLLATE NOCASE,
	kind          TEXT NOT NULL,
	geometry_type TEXT NOT NULL DEFAULT '',
	wkid          INTEGER NOT NULL DEFAULT 0,
	oid_field     TEXT NOT NULL,
	fields        TEXT NOT NULL,
	row_count     INTEGER NOT NULL DEFAULT 0,
	xmin REAL, ymin REAL, xmax REAL, ymax REAL
);
CREATE TABLE IF NOT EXISTS gdb_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store is an open geodatabase.
type Store struct {
	path string
	db   *sql.DB
}

// Create makes a new store <dir>/<name>.gdb, replacing any existing one.
func Create(ctx context.Context, dir, name string) (*Store, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid store name %q", name)
	}
	path := filepath.Join(dir, name+Extension)
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("removing existing store %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating store %s: %w", path, err)
	}

	s, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, catalogDDL); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialising catalog in %s: %w", path, err)
	}
	return s, nil
}

// Open opens an existing store directory.
func Open(ctx context.Context, path string) (*Store, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("opening store: %s is not a directory", path)
	}
	if _, err := os.Stat(filepath.Join(path, DatabaseFile)); err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	s, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'gdb_items'`).Scan(&n)
	if err != nil || n == 0 {
		s.Close()
		if err == nil {
			err = errors.New("missing catalog")
		}
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return s, nil
}

func open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(sqliteDriver, filepath.Join(path, DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// Joins are temporary views, which SQLite keeps per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring %s: %w", path, err)
	}
	return &Store{path: path, db: db}, nil
}

// Delete removes a store directory.
func Delete(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Exists reports whether a store directory exists at path.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// Path returns the store directory.
func (s *Store) Path() string {
	return s.path
}

// Name returns the store name without the .gdb extension.
func (s *Store) Name() string {
	return strings.TrimSuffix(filepath.Base(s.path), Extension)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetMeta records a store-level key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gdb_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting %s in %s: %w", key, s.Name(), err)
	}
	return nil
}

// Meta returns a store-level value, or "" if unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM gdb_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
