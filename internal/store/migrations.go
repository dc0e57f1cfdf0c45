package store

import (
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion is bumped when the tensor layout changes incompatibly.
const schemaVersion = "1"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	version, err := s.getMetaValue("schema_version")
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("database schema version %s, this build reads %s", version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Run bookkeeping
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME,
			lines       INTEGER NOT NULL DEFAULT 0,
			tensors     INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			config      TEXT NOT NULL DEFAULT ''
		)`,

		// One row per emitted tensor, data laid out [layer][token][dim]
		`CREATE TABLE IF NOT EXISTS tensors (
			line_index  INTEGER PRIMARY KEY,
			source_line INTEGER NOT NULL,
			layers      INTEGER NOT NULL,
			tokens      INTEGER NOT NULL,
			dims        INTEGER NOT NULL,
			layer_ids   TEXT NOT NULL,
			labels      TEXT NOT NULL,
			data        BLOB NOT NULL,
			run_id      TEXT REFERENCES runs(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tensors_source_line ON tensors(source_line)`,
		`CREATE INDEX IF NOT EXISTS idx_tensors_run ON tensors(run_id)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	value, err := s.getMetaValue(key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) getMetaValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": schemaVersion,
		"tensor_layout":  "layer,token,dim",
		"value_encoding": "float32le",
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// GetDB returns the underlying database handle.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
