package constraint

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/hiedb/internal/models"
)

type fakeResolver map[uuid.UUID]bool

func (f fakeResolver) RecordExists(_ context.Context, key uuid.UUID) (bool, error) {
	return f[key], nil
}

type failingResolver struct{}

func (failingResolver) RecordExists(context.Context, uuid.UUID) (bool, error) {
	return false, errors.New("db down")
}

func TestCheck_IdentityInsert(t *testing.T) {
	for i := 0; i < 10; i++ {
		err := Check(context.Background(), nil, models.OpInsert, Subject{
			Table: "record_note", Key: uuid.New(), AutoKey: true,
		})
		require.Error(t, err)
		assert.True(t, Is(err, IdentityInsert))
	}
}

func TestCheck_ClientKeyAllowedWhenNotAutoKey(t *testing.T) {
	err := Check(context.Background(), nil, models.OpInsert, Subject{Table: "record", Key: uuid.New()})
	assert.NoError(t, err)
}

func TestCheck_NonIdentityUpdate(t *testing.T) {
	for _, op := range []models.Operation{models.OpUpdate, models.OpObsolete} {
		err := Check(context.Background(), nil, op, Subject{Table: "record"})
		require.Error(t, err, op)
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, NonIdentityUpdate, kind)
	}
}

func TestCheck_ReadonlyRejected(t *testing.T) {
	err := Check(context.Background(), nil, models.OpUpdate, Subject{Table: "record", Key: uuid.New(), Readonly: true})
	assert.True(t, Is(err, UpdatedReadonlyObject))
}

func TestCheck_IdentityCheckedBeforeReadonly(t *testing.T) {
	err := Check(context.Background(), nil, models.OpUpdate, Subject{Table: "record", Readonly: true})
	assert.True(t, Is(err, NonIdentityUpdate))
}

func TestCheck_AssociationWithoutSourceKey(t *testing.T) {
	err := Check(context.Background(), nil, models.OpInsert, Subject{
		Table: "record_relationship",
		Associations: []AssociationRef{
			{Table: "record_relationship", Versioned: true, EffectiveSequence: 3},
		},
	})
	assert.True(t, Is(err, AssociatedEntityWithoutSourceKey))
}

func TestCheck_UnresolvableSourceKey(t *testing.T) {
	known := uuid.New()
	r := fakeResolver{known: true}
	err := Check(context.Background(), r, models.OpInsert, Subject{
		Table:        "record_note",
		Associations: []AssociationRef{{Table: "record_note", SourceKey: uuid.New(), Versioned: true, EffectiveSequence: 1}},
	})
	assert.True(t, Is(err, AssociatedEntityWithoutSourceKey))

	err = Check(context.Background(), r, models.OpInsert, Subject{
		Table:        "record_note",
		Associations: []AssociationRef{{Table: "record_note", SourceKey: known, Versioned: true, EffectiveSequence: 1}},
	})
	assert.NoError(t, err)
}

func TestCheck_SourceKeysCheckedBeforeEffectiveVersion(t *testing.T) {
	err := Check(context.Background(), nil, models.OpInsert, Subject{
		Table: "record_relationship",
		Associations: []AssociationRef{
			{Table: "record_identifier", SourceKey: uuid.New(), Versioned: true},
			{Table: "record_relationship", Versioned: true, EffectiveSequence: 1},
		},
	})
	assert.True(t, Is(err, AssociatedEntityWithoutSourceKey))
}

func TestCheck_WithoutEffectiveVersion(t *testing.T) {
	err := Check(context.Background(), nil, models.OpInsert, Subject{
		Table:        "record_relationship",
		Associations: []AssociationRef{{Table: "record_relationship", SourceKey: uuid.New(), Versioned: true}},
	})
	assert.True(t, Is(err, AssociatedEntityWithoutEffectiveVersion))
}

func TestCheck_ResolverFailureIsNotViolation(t *testing.T) {
	err := Check(context.Background(), failingResolver{}, models.OpInsert, Subject{
		Associations: []AssociationRef{{SourceKey: uuid.New()}},
	})
	require.Error(t, err)
	_, ok := KindOf(err)
	assert.False(t, ok)
}

func TestViolation_KindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("persistence: insert: %w", &Violation{Kind: IdentityInsert, Table: "record_note"})
	assert.True(t, Is(err, IdentityInsert))
	assert.Contains(t, err.Error(), IdentityInsert.Message())
}

func TestValidateAssociations_ZeroSourceKeyYieldsErrors(t *testing.T) {
	refs := []AssociationRef{
		{Table: "record_identifier", Versioned: true, EffectiveSequence: 1},
		{Table: "record_note", SourceKey: uuid.Nil, Versioned: true, EffectiveSequence: 2},
	}
	details, err := ValidateAssociations(context.Background(), nil, refs)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.True(t, HasErrors(details))
	assert.Equal(t, "record_identifier", details[0].Location)
}

func TestValidateAssociations_Clean(t *testing.T) {
	details, err := ValidateAssociations(context.Background(), nil, []AssociationRef{
		{Table: "record_note", SourceKey: uuid.New(), Versioned: true, EffectiveSequence: 4},
	})
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Details: []ValidationResultDetail{
		{Priority: PriorityWarning, Message: "ignored"},
		{Priority: PriorityError, Message: "relationship Mother not permitted"},
	}}
	assert.Equal(t, "validation failed: relationship Mother not permitted", err.Error())
}
