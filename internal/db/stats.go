package db

import (
	"fmt"

	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
)

// SaveDecoderStats upserts a decoder's lifetime counters. Called on
// shutdown so EMA latency survives restarts. Requires the
// decoder_stats migration to have run.
func (db *DB) SaveDecoderStats(decoderID string, snap decoder.StatsSnapshot) error {
	_, err := db.Exec(`
		INSERT INTO decoder_stats (decoder_id, ema_latency_ms, successes, failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(decoder_id) DO UPDATE SET
			ema_latency_ms = excluded.ema_latency_ms,
			successes = excluded.successes,
			failures = excluded.failures,
			updated_at = CURRENT_TIMESTAMP
	`, decoderID, snap.EMALatencyMs, snap.Successes, snap.Failures)
	if err != nil {
		return fmt.Errorf("failed to save stats for %q: %w", decoderID, err)
	}
	return nil
}

// LoadDecoderStats returns the persisted counters keyed by decoder ID.
func (db *DB) LoadDecoderStats() (map[string]decoder.StatsSnapshot, error) {
	rows, err := db.Query(`SELECT decoder_id, COALESCE(ema_latency_ms, 0), successes, failures FROM decoder_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to load decoder stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decoder.StatsSnapshot)
	for rows.Next() {
		var id string
		var snap decoder.StatsSnapshot
		if err := rows.Scan(&id, &snap.EMALatencyMs, &snap.Successes, &snap.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		out[id] = snap
	}
	return out, rows.Err()
}
