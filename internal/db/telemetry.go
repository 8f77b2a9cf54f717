package db

import (
	"fmt"
	"time"

	"github.com/parietal-data/decode.stream/internal/neuro"
)

// DecodeEvent is one persisted decode attempt, successful or not.
type DecodeEvent struct {
	DecoderID string  `json:"decoder_id"`
	Seq       uint64  `json:"seq"`
	TsMs      int64   `json:"ts_ms"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	RefX      float64 `json:"ref_x"`
	RefY      float64 `json:"ref_y"`
	LatencyMs float64 `json:"latency_ms"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
}

// RecordDecode writes one successful decode with its reference
// kinematics, feeding the accuracy charts and rollups.
func (db *DB) RecordDecode(out neuro.DecoderOutput, ref neuro.KinematicState) error {
	_, err := db.Exec(`
		INSERT INTO decode_events (decoder_id, seq, ts_ms, x, y, ref_x, ref_y, latency_ms, ok)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, out.DecoderID, out.SequenceNumber, out.TimestampMs, out.X, out.Y, ref.X, ref.Y, out.LatencyMs)
	if err != nil {
		return fmt.Errorf("failed to record decode: %w", err)
	}
	return nil
}

// RecordFailure writes one failed decode attempt.
func (db *DB) RecordFailure(ev neuro.HealthEvent) error {
	_, err := db.Exec(`
		INSERT INTO decode_events (decoder_id, seq, ts_ms, ok, error)
		VALUES (?, ?, ?, 0, ?)
	`, ev.DecoderID, ev.SequenceNumber, ev.TimestampMs, ev.Message)
	if err != nil {
		return fmt.Errorf("failed to record decode failure: %w", err)
	}
	return nil
}

// LatencyRollup summarises decode latency for one decoder since the
// given time.
type LatencyRollup struct {
	DecoderID string  `json:"decoder_id"`
	Count     int64   `json:"count"`
	Failures  int64   `json:"failures"`
	AvgMs     float64 `json:"avg_ms"`
	MaxMs     float64 `json:"max_ms"`
}

// RollupLatency aggregates decode events per decoder since the cutoff.
func (db *DB) RollupLatency(since time.Time) ([]LatencyRollup, error) {
	rows, err := db.Query(`
		SELECT decoder_id,
			COUNT(*),
			SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN ok = 1 THEN latency_ms END), 0),
			COALESCE(MAX(CASE WHEN ok = 1 THEN latency_ms END), 0)
		FROM decode_events
		WHERE ts_ms >= ?
		GROUP BY decoder_id
		ORDER BY decoder_id
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to roll up latency: %w", err)
	}
	defer rows.Close()

	var out []LatencyRollup
	for rows.Next() {
		var r LatencyRollup
		if err := rows.Scan(&r.DecoderID, &r.Count, &r.Failures, &r.AvgMs, &r.MaxMs); err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentDecodes returns the newest events for a decoder, newest first,
// capped at limit.
func (db *DB) RecentDecodes(decoderID string, limit int) ([]DecodeEvent, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT decoder_id, seq, ts_ms,
			COALESCE(x, 0), COALESCE(y, 0), COALESCE(ref_x, 0), COALESCE(ref_y, 0),
			COALESCE(latency_ms, 0), ok, COALESCE(error, '')
		FROM decode_events
		WHERE decoder_id = ?
		ORDER BY ts_ms DESC
		LIMIT ?
	`, decoderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent decodes: %w", err)
	}
	defer rows.Close()

	var out []DecodeEvent
	for rows.Next() {
		var e DecodeEvent
		var ok int
		if err := rows.Scan(&e.DecoderID, &e.Seq, &e.TsMs, &e.X, &e.Y, &e.RefX, &e.RefY, &e.LatencyMs, &ok, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan decode row: %w", err)
		}
		e.OK = ok == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEventsBefore deletes telemetry older than the cutoff and returns
// the number of rows removed.
func (db *DB) PruneEventsBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM decode_events WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune decode events: %w", err)
	}
	return res.RowsAffected()
}
