package models

import "github.com/google/uuid"

// RelationshipKind is the pair of domains a relationship connects.
type RelationshipKind string

const (
	KindEntityEntity RelationshipKind = "entity-entity"
	KindActAct       RelationshipKind = "act-act"
	KindActEntity    RelationshipKind = "act-entity"
)

// KindBetween returns the relationship kind for a source and target domain.
// Entity-to-act links have no kind and are never permitted.
func KindBetween(source, target Domain) (RelationshipKind, bool) {
	switch {
	case source == DomainEntity && target == DomainEntity:
		return KindEntityEntity, true
	case source == DomainAct && target == DomainAct:
		return KindActAct, true
	case source == DomainAct && target == DomainEntity:
		return KindActEntity, true
	}
	return "", false
}

// RelationshipValidationRule permits one relationship-type/source-class/
// target-class triple. An empty class matches any class.
type RelationshipValidationRule struct {
	Key              uuid.UUID        `json:"key"`
	Kind             RelationshipKind `json:"kind"`
	RelationshipType string           `json:"relationship_type"`
	SourceClass      string           `json:"source_class,omitempty"`
	TargetClass      string           `json:"target_class,omitempty"`
	Description      string           `json:"description,omitempty"`
}

// Permits reports whether the rule allows the given relationship.
func (r RelationshipValidationRule) Permits(kind RelationshipKind, relType, sourceClass, targetClass string) bool {
	if r.Kind != kind || r.RelationshipType != relType {
		return false
	}
	if r.SourceClass != "" && r.SourceClass != sourceClass {
		return false
	}
	return r.TargetClass == "" || r.TargetClass == targetClass
}

// AssigningAuthority is an identifier domain.
type AssigningAuthority struct {
	Domain string `json:"domain"`
	OID    string `json:"oid,omitempty"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
}
