package constraint

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/models"
)

// SourceResolver answers whether a source record exists. Implementations
// must see the uncommitted state of the calling unit of work.
type SourceResolver interface {
	RecordExists(ctx context.Context, key uuid.UUID) (bool, error)
}

// AssociationRef describes one association attached to a subject.
type AssociationRef struct {
	Table             string
	SourceKey         uuid.UUID
	Versioned         bool
	EffectiveSequence int64
}

// Subject describes the object a persistence operation targets.
type Subject struct {
	Table        string
	Key          uuid.UUID
	AutoKey      bool // the store generates keys for Table
	Readonly     bool // system-owned and the caller is not elevated
	Associations []AssociationRef
}

// Check runs the formal constraints for op against s in order and returns
// the first *Violation found. A nil resolver skips source existence lookups
// and only rejects zero source keys.
func Check(ctx context.Context, r SourceResolver, op models.Operation, s Subject) error {
	switch op {
	case models.OpInsert:
		if s.AutoKey && s.Key != uuid.Nil {
			return &Violation{Kind: IdentityInsert, Table: s.Table, Key: s.Key.String()}
		}
	case models.OpUpdate, models.OpObsolete:
		if s.Key == uuid.Nil {
			return &Violation{Kind: NonIdentityUpdate, Table: s.Table}
		}
		if s.Readonly {
			return &Violation{Kind: UpdatedReadonlyObject, Table: s.Table, Key: s.Key.String()}
		}
	default:
		return fmt.Errorf("constraint: unknown operation %q", op)
	}

	for _, a := range s.Associations {
		ok, err := sourceResolvable(ctx, r, a.SourceKey)
		if err != nil {
			return err
		}
		if !ok {
			return &Violation{Kind: AssociatedEntityWithoutSourceKey, Table: a.Table}
		}
	}
	for _, a := range s.Associations {
		if a.Versioned && a.EffectiveSequence == 0 {
			return &Violation{Kind: AssociatedEntityWithoutEffectiveVersion, Table: a.Table}
		}
	}
	return nil
}

// ValidateAssociations reports every association finding instead of stopping
// at the first. It returns an error only when the resolver fails.
func ValidateAssociations(ctx context.Context, r SourceResolver, refs []AssociationRef) ([]ValidationResultDetail, error) {
	var out []ValidationResultDetail
	for _, a := range refs {
		ok, err := sourceResolvable(ctx, r, a.SourceKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, ValidationResultDetail{
				Priority: PriorityError,
				Message:  AssociatedEntityWithoutSourceKey.Message(),
				Location: a.Table,
			})
		}
		if a.Versioned && a.EffectiveSequence == 0 {
			out = append(out, ValidationResultDetail{
				Priority: PriorityError,
				Message:  AssociatedEntityWithoutEffectiveVersion.Message(),
				Location: a.Table,
			})
		}
	}
	return out, nil
}

func sourceResolvable(ctx context.Context, r SourceResolver, key uuid.UUID) (bool, error) {
	if key == uuid.Nil {
		return false, nil
	}
	if r == nil {
		return true, nil
	}
	ok, err := r.RecordExists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("constraint: resolve source %s: %w", key, err)
	}
	return ok, nil
}
