//go:build sqlite_fts5

package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS record_note_fts USING fts5(
			note_key UNINDEXED,
			source_key UNINDEXED,
			text,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, noteKey, sourceKey uuid.UUID, text string) error {
	_, _ = tx.ExecContext(ctx, `DELETE FROM record_note_fts WHERE note_key = ?`, noteKey)
	_, err := tx.ExecContext(ctx, `INSERT INTO record_note_fts (note_key, source_key, text) VALUES (?, ?, ?)`,
		noteKey, sourceKey, text)
	if err != nil {
		return fmt.Errorf("persistence: upsert fts: %w", err)
	}
	return nil
}

// SearchNotes runs an FTS5 query over active notes and returns hits with snippets.
func (db *DB) SearchNotes(ctx context.Context, query string, limit int) ([]NoteHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.ro.QueryContext(ctx, `
		SELECT f.note_key,
		       f.source_key,
		       snippet(record_note_fts, 2, '<b>', '</b>', '...', 64)
		FROM record_note_fts f
		JOIN record_note n ON n.note_key = f.note_key AND n.obsolete_sequence IS NULL
		WHERE record_note_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: search notes: %w", err)
	}
	return scanHits(rows)
}

// RebuildFullText repopulates the note index from record_note in one
// transaction. Progress is reported once the index is committed, since the
// single writer connection is held until then.
func (db *DB) RebuildFullText(ctx context.Context, progress func(done, total int)) (int, error) {
	notes, err := activeNotes(ctx, db.rw)
	if err != nil {
		return 0, err
	}
	tx, err := db.rw.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_note_fts`); err != nil {
		return 0, fmt.Errorf("persistence: clear fts: %w", err)
	}
	for i, n := range notes {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := ftsUpsert(ctx, tx, n.Key, n.SourceKey, n.Text); err != nil {
			return i, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("persistence: commit fts rebuild: %w", err)
	}
	if progress != nil && len(notes) > 0 {
		progress(len(notes), len(notes))
	}
	return len(notes), nil
}
