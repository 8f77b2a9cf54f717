// Package db persists the decoder catalog and decode telemetry in
// sqlite. The schema is created on open; versioned migrations handle
// later changes.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the pipeline database at path.
// Use ":memory:" for tests.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps telemetry writes from blocking catalog reads.
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	_, err = sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS decoders (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			kind              TEXT NOT NULL,
			source_code       TEXT,
			model_kind        TEXT,
			source            TEXT,
			source_ref        TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS decode_events (
			decoder_id        TEXT NOT NULL,
			seq               BIGINT NOT NULL,
			ts_ms             BIGINT NOT NULL,
			x                 DOUBLE,
			y                 DOUBLE,
			ref_x             DOUBLE,
			ref_y             DOUBLE,
			latency_ms        DOUBLE,
			ok                INTEGER NOT NULL,
			error             TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_decode_events_decoder
			ON decode_events (decoder_id, ts_ms);
	`)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}
