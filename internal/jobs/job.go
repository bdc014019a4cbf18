// Package jobs runs long-lived background work with persisted state,
// progress reporting, cancellation and cron schedules.
package jobs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
)

// ParameterType is the declared type of a job parameter.
type ParameterType string

const (
	ParamString ParameterType = "string"
	ParamInt    ParameterType = "int"
	ParamBool   ParameterType = "bool"
)

// Progress reports a status line and a completion fraction in [0,1].
type Progress func(statusText string, fraction float64)

// Job is a unit of background work.
type Job interface {
	ID() uuid.UUID
	Name() string
	CanCancel() bool
	Parameters() map[string]ParameterType
	Run(ctx context.Context, params map[string]string, progress Progress) error
}

// StateManager persists job state.
type StateManager interface {
	SetJobState(ctx context.Context, id uuid.UUID, name string, state models.JobState) error
	SetJobProgress(ctx context.Context, id uuid.UUID, statusText string, progress float64) error
	JobStatus(ctx context.Context, id uuid.UUID) (*models.JobStatus, error)
	ListJobStatus(ctx context.Context) ([]models.JobStatus, error)
}

// ValidateParams checks params against the job's declared schema.
func ValidateParams(job Job, params map[string]string) error {
	schema := job.Parameters()
	var details []constraint.ValidationResultDetail
	for name, value := range params {
		typ, ok := schema[name]
		if !ok {
			details = append(details, paramError(name, "unknown parameter"))
			continue
		}
		switch typ {
		case ParamInt:
			if _, err := strconv.Atoi(value); err != nil {
				details = append(details, paramError(name, fmt.Sprintf("%q is not an integer", value)))
			}
		case ParamBool:
			if _, err := strconv.ParseBool(value); err != nil {
				details = append(details, paramError(name, fmt.Sprintf("%q is not a boolean", value)))
			}
		}
	}
	if len(details) > 0 {
		return &constraint.ValidationError{Details: details}
	}
	return nil
}

func paramError(name, msg string) constraint.ValidationResultDetail {
	return constraint.ValidationResultDetail{
		Priority: constraint.PriorityError,
		Message:  name + ": " + msg,
		Location: "parameters." + name,
	}
}
