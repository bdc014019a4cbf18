package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/models"
)

// NoteHit is one note search result.
type NoteHit struct {
	NoteKey   uuid.UUID `json:"note_key"`
	SourceKey uuid.UUID `json:"source_key"`
	Snippet   string    `json:"snippet"`
}

func scanHits(rows *sql.Rows) ([]NoteHit, error) {
	defer rows.Close()
	var out []NoteHit
	for rows.Next() {
		var h NoteHit
		if err := rows.Scan(&h.NoteKey, &h.SourceKey, &h.Snippet); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func activeNotes(ctx context.Context, q querier) ([]models.Note, error) {
	rows, err := q.QueryContext(ctx, noteTable.Select(true, "")+" ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("persistence: list notes: %w", err)
	}
	return scanNotes(rows)
}
