package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/models"
)

// RecordReader is the read side consumers outside a unit of work depend on.
type RecordReader interface {
	GetRecord(ctx context.Context, key uuid.UUID) (*models.Record, error)
	GetRecordVersion(ctx context.Context, key uuid.UUID, seq int64) (*models.Record, error)
	History(ctx context.Context, key uuid.UUID) ([]models.Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]models.Record, int, error)
	FindByIdentifier(ctx context.Context, authority, value string) ([]uuid.UUID, error)
	Relationships(ctx context.Context, f RelationshipFilter) ([]models.Relationship, error)
	SearchNotes(ctx context.Context, query string, limit int) ([]NoteHit, error)
}

// JobStateStore persists background job state.
type JobStateStore interface {
	SetJobState(ctx context.Context, id uuid.UUID, name string, state models.JobState) error
	SetJobProgress(ctx context.Context, id uuid.UUID, statusText string, progress float64) error
	JobStatus(ctx context.Context, id uuid.UUID) (*models.JobStatus, error)
	ListJobStatus(ctx context.Context) ([]models.JobStatus, error)
}

var (
	_ RecordReader  = (*DB)(nil)
	_ JobStateStore = (*DB)(nil)
	_ RuleSource    = (*DB)(nil)
	_ RuleSource    = (*UnitOfWork)(nil)
)
