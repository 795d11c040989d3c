// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package persister is the synchronous persistence tier: a small, size-bound
// SQLite store mirroring the in-memory query cache so resolved JSON content
// survives process restarts.
//
// Only bounded JSON structures belong here; binary payloads go to the blob
// store. Saves replace the whole snapshot atomically in one transaction, so
// a crash mid-save can lose that one write but never corrupt the store.
package persister

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
)

// ErrQuotaExceeded indicates a snapshot is larger than the configured size
// ceiling. The previous snapshot is left intact; callers degrade to the
// in-memory tier only.
var ErrQuotaExceeded = errors.New("persister: snapshot exceeds storage quota")

// schemaVersion is bumped when the snapshot layout changes. Older versions
// are dropped on open rather than migrated: the store is a cache mirror, so
// the worst case is regenerating content that was already generated.
const schemaVersion = 1

// DefaultMaxBytes bounds the snapshot size the way localStorage-class
// storage is bounded (5 MiB).
const DefaultMaxBytes = 5 << 20

// Store is a SQLite-backed snapshot store. Safe for concurrent use; SQLite
// serializes writers and busy_timeout covers contention.
type Store struct {
	db       *sql.DB
	maxBytes int64
}

// Open opens or creates the snapshot database at dir/snapshot.db.
// Initialization is idempotent and safe to run concurrently from multiple
// callers: the schema is created if absent, and a version mismatch drops and
// recreates the snapshot table.
func Open(dir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persister directory: %w", err)
	}

	path := filepath.Join(dir, "snapshot.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, maxBytes: maxBytes}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshot (
			fingerprint TEXT PRIMARY KEY,
			payload     BLOB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("initialize snapshot schema: %w", err)
	}

	var version int
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if version != schemaVersion {
		if version != 0 {
			logging.Info().Int("from", version).Int("to", schemaVersion).Msg("dropping snapshot from older schema")
		}
		_, err = s.db.Exec(`
			DELETE FROM snapshot;
			INSERT INTO meta (key, value) VALUES ('schema_version', ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value;
		`, schemaVersion)
		if err != nil {
			return fmt.Errorf("reset snapshot schema: %w", err)
		}
	}
	return nil
}

// Save replaces the persisted snapshot with snap in a single transaction.
// Returns ErrQuotaExceeded, leaving the previous snapshot intact, when the
// serialized size is over the ceiling.
func (s *Store) Save(snap cache.Snapshot) error {
	var total int64
	for key, payload := range snap {
		total += int64(len(key)) + int64(len(payload))
	}
	if total > s.maxBytes {
		metrics.SnapshotQuotaFailures.Inc()
		return fmt.Errorf("%w: %d bytes over %d ceiling", ErrQuotaExceeded, total, s.maxBytes)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM snapshot`); err != nil {
		return fmt.Errorf("clear previous snapshot: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO snapshot (fingerprint, payload) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for key, payload := range snap {
		if _, err := stmt.Exec(key, []byte(payload)); err != nil {
			return fmt.Errorf("write snapshot entry %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	metrics.SnapshotWrites.Inc()
	return nil
}

// Load reads the persisted snapshot. An empty store yields an empty
// snapshot, not an error.
func (s *Store) Load() (cache.Snapshot, error) {
	rows, err := s.db.Query(`SELECT fingerprint, payload FROM snapshot`)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := make(cache.Snapshot)
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan snapshot entry: %w", err)
		}
		snap[key] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return snap, nil
}

// Clear removes the persisted snapshot.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
