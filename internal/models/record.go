// Package models defines the domain types for hiedb.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Domain separates entities (people, places, things) from acts.
type Domain string

const (
	DomainEntity Domain = "entity"
	DomainAct    Domain = "act"
)

// Record classes.
const (
	ClassPatient      = "Patient"
	ClassPerson       = "Person"
	ClassOrganization = "Organization"
	ClassPlace        = "Place"
	ClassMaterial     = "Material"
	ClassMasterRecord = "MasterRecord"
	ClassObservation  = "Observation"
	ClassEncounter    = "Encounter"
	ClassProcedure    = "Procedure"
)

// Status is the lifecycle status of a record version.
type Status string

const (
	StatusActive   Status = "active"
	StatusObsolete Status = "obsolete"
)

// Demographics holds the attributes the MDM matcher compares.
type Demographics struct {
	Name      string `json:"name,omitempty" yaml:"name"`
	BirthDate string `json:"birth_date,omitempty" yaml:"birth_date"`
	Gender    string `json:"gender,omitempty" yaml:"gender"`
}

// Record is a versioned entity or act. Key is stable across versions; every
// mutation produces a new VersionKey with a higher VersionSequence and stamps
// the previous head with ObsoleteSequence. Non-head versions are immutable.
type Record struct {
	Key                uuid.UUID         `json:"key"`
	VersionKey         uuid.UUID         `json:"version_key"`
	VersionSequence    int64             `json:"version_sequence"`
	PreviousVersionKey *uuid.UUID        `json:"previous_version_key,omitempty"`
	ObsoleteSequence   *int64            `json:"obsolete_sequence,omitempty"`
	Domain             Domain            `json:"domain"`
	Class              string            `json:"class"`
	Status             Status            `json:"status"`
	Readonly           bool              `json:"readonly"`
	Demographics       Demographics      `json:"demographics"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	Identifiers        []Identifier      `json:"identifiers,omitempty"`
	Relationships      []Relationship    `json:"relationships,omitempty"`
	Notes              []Note            `json:"notes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CreatedBy          string            `json:"created_by,omitempty"`
}

// IsHead reports whether r is the current version of its record.
func (r *Record) IsHead() bool { return r.ObsoleteSequence == nil }

// IsMaster reports whether r is a synthetic MDM master record.
func (r *Record) IsMaster() bool { return r.Class == ClassMasterRecord }

// FileMetadata is a lightweight representation of an inbox file.
type FileMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
