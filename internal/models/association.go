package models

import (
	"time"

	"github.com/google/uuid"
)

// Association is the versioning envelope shared by every child row that
// references a source record. A row is active at version sequence s when
// EffectiveSequence <= s and ObsoleteSequence is nil or greater than s.
type Association struct {
	SourceKey         uuid.UUID `json:"source_key"`
	EffectiveSequence int64     `json:"effective_sequence"`
	ObsoleteSequence  *int64    `json:"obsolete_sequence,omitempty"`
}

// ActiveAt reports whether the association is in effect at version sequence seq.
func (a Association) ActiveAt(seq int64) bool {
	if a.EffectiveSequence > seq {
		return false
	}
	return a.ObsoleteSequence == nil || *a.ObsoleteSequence > seq
}

// Identifier is an external identifier issued by an assigning authority.
type Identifier struct {
	Key uuid.UUID `json:"key"`
	Association
	Authority string `json:"authority"`
	Value     string `json:"value"`
}

// Relationship links a source record to a target record.
type Relationship struct {
	Key uuid.UUID `json:"key"`
	Association
	TargetKey uuid.UUID `json:"target_key"`
	Type      string    `json:"type"`
	Strength  float64   `json:"strength,omitempty"`
}

// Note is free text attached to a record.
type Note struct {
	Key uuid.UUID `json:"key"`
	Association
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MDM relationship types.
const (
	RelMasterRecord = "MasterRecord"
	RelDuplicate    = "Duplicate"
	RelNonDuplicate = "NonDuplicate"
	RelReplaces     = "Replaces"
)

// SystemOwned reports whether relationships of type relType are maintained
// by master data management alone.
func SystemOwned(relType string) bool {
	switch relType {
	case RelMasterRecord, RelDuplicate, RelNonDuplicate, RelReplaces:
		return true
	}
	return false
}
