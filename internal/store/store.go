// Package store is the relational backing for the access index (spec
// component C2) and the unit metadata index (C3). Both share one
// *sql.DB, mirroring the teacher pattern of a single Store wrapping one
// connection pool across several entity types rather than one store per
// table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer connection avoids SQLITE_BUSY under WAL for the
	// access-grant and unit-save transactions, the same trade-off the
	// teacher store makes.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS cas_keys (
			blob_key TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS access_grants (
			organization_id INTEGER NOT NULL,
			blob_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (organization_id, blob_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_access_grants_org ON access_grants(organization_id);`,
		`CREATE TABLE IF NOT EXISTS saved_units (
			organization_id INTEGER NOT NULL,
			unit_hash TEXT NOT NULL,
			target TEXT NOT NULL,
			libc TEXT,
			content_hash TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (organization_id, unit_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_saved_units_org ON saved_units(organization_id);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id INTEGER PRIMARY KEY,
			organization_id INTEGER NOT NULL,
			token_sha256 TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_org ON accounts(organization_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
