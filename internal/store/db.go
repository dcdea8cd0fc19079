// Package store provides the SQLite-backed data layer for the knowledge
// corpus. It uses modernc.org/sqlite for pure-Go, CGO-free database access.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// DB wraps the SQLite handle shared by the domain store and the columnar
// vector store.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// migrations. Parent directories are created as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers proceed during ingest writes. Foreign keys drive the
	// source -> pages/chunks/code_examples delete cascade.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	db := &DB{sql: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies the embedded schema. Statements are idempotent.
func (db *DB) migrate() error {
	if _, err := db.sql.Exec(initialSchema); err != nil {
		return fmt.Errorf("apply initial schema: %w", err)
	}
	return nil
}

// SQL exposes the raw handle for the columnar vector store, which shares
// this database.
func (db *DB) SQL() *sql.DB { return db.sql }

// Close closes the underlying handle.
func (db *DB) Close() error { return db.sql.Close() }

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.sql.PingContext(ctx) }
