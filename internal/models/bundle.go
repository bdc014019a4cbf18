package models

import "github.com/google/uuid"

// Operation is a persistence operation kind.
type Operation string

const (
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpObsolete Operation = "obsolete"
)

// BundleEntry is one operation in a Bundle.
type BundleEntry struct {
	Op      Operation `json:"op"`
	Record  Record    `json:"record"`
	IfMatch uuid.UUID `json:"if_match,omitempty"`
}

// Bundle is a unit of work: every entry is applied or none is.
type Bundle struct {
	Entries []BundleEntry `json:"entries"`
}
