//go:build !sqlite_fts5

package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; note search uses LIKE on record_note.text.
	return nil
}

func ftsUpsert(_ context.Context, _ *sql.Tx, _, _ uuid.UUID, _ string) error {
	return nil
}

// SearchNotes performs a LIKE search over active notes.
func (db *DB) SearchNotes(ctx context.Context, query string, limit int) ([]NoteHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.ro.QueryContext(ctx, `
		SELECT note_key, source_key, substr(text, 1, 200)
		FROM record_note
		WHERE obsolete_sequence IS NULL AND text LIKE ?
		ORDER BY created_at DESC
		LIMIT ?
	`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: search notes: %w", err)
	}
	return scanHits(rows)
}

// RebuildFullText has no index to rebuild; it walks the notes so progress
// is still reported.
func (db *DB) RebuildFullText(ctx context.Context, progress func(done, total int)) (int, error) {
	notes, err := activeNotes(ctx, db.ro)
	if err != nil {
		return 0, err
	}
	for i := range notes {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if progress != nil {
			progress(i+1, len(notes))
		}
	}
	return len(notes), nil
}
