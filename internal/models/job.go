package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a background job.
type JobState string

const (
	JobNotRun    JobState = "not-run"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobAborted   JobState = "aborted"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether s ends a run.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobAborted || s == JobCancelled
}

// JobStatus is the persisted state of one job.
type JobStatus struct {
	JobID      uuid.UUID  `json:"job_id"`
	Name       string     `json:"name"`
	State      JobState   `json:"state"`
	Progress   float64    `json:"progress"`
	StatusText string     `json:"status_text,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}
