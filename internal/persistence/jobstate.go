package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/models"
)

// SetJobState records a state transition. Entering running resets progress
// and stamps the start time; terminal states stamp the stop time.
func (db *DB) SetJobState(ctx context.Context, id uuid.UUID, name string, state models.JobState) error {
	now := time.Now().UTC()
	var err error
	switch {
	case state == models.JobRunning:
		_, err = db.rw.ExecContext(ctx, `
			INSERT INTO job_state (job_id, name, state, progress, status_text, started_at, stopped_at, updated_at)
			VALUES (?, ?, ?, 0, '', ?, NULL, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				name        = excluded.name,
				state       = excluded.state,
				progress    = 0,
				status_text = '',
				started_at  = excluded.started_at,
				stopped_at  = NULL,
				updated_at  = excluded.updated_at
		`, id, name, state, now, now)
	case state.Terminal():
		_, err = db.rw.ExecContext(ctx, `
			INSERT INTO job_state (job_id, name, state, stopped_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				name       = excluded.name,
				state      = excluded.state,
				stopped_at = excluded.stopped_at,
				updated_at = excluded.updated_at
		`, id, name, state, now, now)
	default:
		_, err = db.rw.ExecContext(ctx, `
			INSERT INTO job_state (job_id, name, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				name       = excluded.name,
				state      = excluded.state,
				updated_at = excluded.updated_at
		`, id, name, state, now)
	}
	if err != nil {
		return fmt.Errorf("persistence: set job state: %w", err)
	}
	return nil
}

// SetJobProgress records progress in [0,1] and a status line.
func (db *DB) SetJobProgress(ctx context.Context, id uuid.UUID, statusText string, progress float64) error {
	res, err := db.rw.ExecContext(ctx,
		`UPDATE job_state SET progress = ?, status_text = ?, updated_at = ? WHERE job_id = ?`,
		progress, statusText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("persistence: set job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("job", id.String())
	}
	return nil
}

func scanJobStatus(sc scanner) (*models.JobStatus, error) {
	var (
		s                models.JobStatus
		started, stopped sql.NullTime
	)
	if err := sc.Scan(&s.JobID, &s.Name, &s.State, &s.Progress, &s.StatusText, &started, &stopped); err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		s.StartedAt = &t
	}
	if stopped.Valid {
		t := stopped.Time
		s.StoppedAt = &t
	}
	return &s, nil
}

// JobStatus returns the persisted state of one job.
func (db *DB) JobStatus(ctx context.Context, id uuid.UUID) (*models.JobStatus, error) {
	s, err := scanJobStatus(db.ro.QueryRowContext(ctx, jobStateTable.Select(false, "job_id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: job status: %w", err)
	}
	return s, nil
}

// ListJobStatus returns every persisted job state.
func (db *DB) ListJobStatus(ctx context.Context) ([]models.JobStatus, error) {
	rows, err := db.ro.QueryContext(ctx, jobStateTable.Select(false, "")+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("persistence: list job status: %w", err)
	}
	defer rows.Close()

	var out []models.JobStatus
	for rows.Next() {
		s, err := scanJobStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// IngestSeen reports whether a file with checksum was already ingested.
func (db *DB) IngestSeen(ctx context.Context, checksum string) (bool, error) {
	var n int
	if err := db.ro.QueryRowContext(ctx, `SELECT count(*) FROM ingest_log WHERE checksum = ?`, checksum).Scan(&n); err != nil {
		return false, fmt.Errorf("persistence: ingest seen: %w", err)
	}
	return n > 0, nil
}

// RecordIngest logs a processed file.
func (db *DB) RecordIngest(ctx context.Context, checksum, path string, key uuid.UUID) error {
	_, err := db.rw.ExecContext(ctx, `
		INSERT INTO ingest_log (checksum, path, record_key, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(checksum) DO UPDATE SET path = excluded.path, record_key = excluded.record_key
	`, checksum, path, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persistence: record ingest: %w", err)
	}
	return nil
}
