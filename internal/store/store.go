// Package store is the single-file SQLite database behind the export studio.
//
// One read-write handle does ingestion and job writes; any number of
// read-only handles serve queries. Every handle runs in WAL mode so readers
// never block the writer. All writes happen in short transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"exportstudio/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens the database read-write, creating it and running migrations as
// needed. There should be exactly one read-write handle per database file.
func Open(path string) (*Store, error) {
	db, err := openConnection(path, false)
	if err != nil {
		return nil, err
	}

	// The single writer serializes naturally; extra pool connections would
	// only fight over the write lock.
	db.SetMaxOpenConns(1)

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenReadOnly opens the database for queries only.
func OpenReadOnly(path string) (*Store, error) {
	db, err := openConnection(path, true)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, readOnly: true}, nil
}

func openConnection(path string, readOnly bool) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	if readOnly {
		q.Set("mode", "ro")
	}

	dsn := "file:" + path + "?" + q.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path this handle was opened with.
func (s *Store) Path() string {
	return s.path
}

// nullStr converts a sql.NullString to *string.
func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

// nullInt converts a sql.NullInt64 to *int64.
func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
