package api

import (
	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/models"
)

// RecordListResponse wraps paginated record listings.
type RecordListResponse struct {
	Records []models.Record `json:"records" validate:"required"`
	Total   int             `json:"total" example:"42" validate:"required"`
}

// BundleResponse lists the records a bundle produced, in entry order.
type BundleResponse struct {
	Records []models.Record `json:"records" validate:"required"`
}

// AddNoteRequest is the request body for attaching a note to a record.
type AddNoteRequest struct {
	Text   string `json:"text" example:"Seen in clinic" validate:"required"`
	Author string `json:"author,omitempty" example:"dr.hopper"`
}

// LinkRequest names a local and a master.
type LinkRequest struct {
	Local  uuid.UUID `json:"local" validate:"required"`
	Master uuid.UUID `json:"master" validate:"required"`
}

// MergeRequest names the surviving and the merged master.
type MergeRequest struct {
	Survivor uuid.UUID `json:"survivor" validate:"required"`
	Victim   uuid.UUID `json:"victim" validate:"required"`
}

// StartJobRequest carries job parameters.
type StartJobRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
}

// InboxUploadResponse is returned after a submission document is accepted.
type InboxUploadResponse struct {
	Filename string `json:"filename" example:"ada.yaml" validate:"required"`
	Size     int64  `json:"size" example:"512" validate:"required"`
}
