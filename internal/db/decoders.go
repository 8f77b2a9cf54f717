package db

import (
	"database/sql"
	"fmt"

	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
)

// SaveDecoder upserts a decoder descriptor into the catalog so
// registered decoders survive process restarts.
func (db *DB) SaveDecoder(d *decoder.Descriptor) error {
	_, err := db.Exec(`
		INSERT INTO decoders (id, name, kind, source_code, model_kind, source, source_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			source_code = excluded.source_code,
			model_kind = excluded.model_kind,
			source = excluded.source,
			source_ref = excluded.source_ref,
			updated_at = CURRENT_TIMESTAMP
	`, d.ID, d.Name, string(d.Kind), d.SourceCode, d.ModelKind, string(d.Source), d.SourceRef)
	if err != nil {
		return fmt.Errorf("failed to save decoder %q: %w", d.ID, err)
	}
	return nil
}

// LoadDecoders returns every persisted descriptor, for catalog restore
// at startup.
func (db *DB) LoadDecoders() ([]*decoder.Descriptor, error) {
	rows, err := db.Query(`
		SELECT id, name, kind, source_code, model_kind, source, source_ref
		FROM decoders ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load decoders: %w", err)
	}
	defer rows.Close()

	var out []*decoder.Descriptor
	for rows.Next() {
		var d decoder.Descriptor
		var kind, source string
		var sourceCode, modelKind, sourceRef sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &kind, &sourceCode, &modelKind, &source, &sourceRef); err != nil {
			return nil, fmt.Errorf("failed to scan decoder row: %w", err)
		}
		d.Kind = decoder.ExecutionKind(kind)
		d.Source = decoder.SourceLocation(source)
		d.SourceCode = sourceCode.String
		d.ModelKind = modelKind.String
		d.SourceRef = sourceRef.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDecoder removes a descriptor from the catalog.
func (db *DB) DeleteDecoder(id string) error {
	if _, err := db.Exec(`DELETE FROM decoders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete decoder %q: %w", id, err)
	}
	return nil
}
