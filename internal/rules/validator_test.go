package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
)

type fakeSource struct {
	rules []models.RelationshipValidationRule
	err   error
	calls int
}

func (f *fakeSource) ListRules(context.Context) ([]models.RelationshipValidationRule, error) {
	f.calls++
	return f.rules, f.err
}

func TestCheckRelationship(t *testing.T) {
	src := &fakeSource{rules: []models.RelationshipValidationRule{
		{Kind: models.KindEntityEntity, RelationshipType: "Mother", SourceClass: models.ClassPatient, TargetClass: models.ClassPerson},
		{Kind: models.KindEntityEntity, RelationshipType: models.RelMasterRecord, TargetClass: models.ClassMasterRecord},
	}}
	v := NewValidator(nil)
	ctx := context.Background()

	details, err := v.CheckRelationship(ctx, src, models.KindEntityEntity, "Mother", models.ClassPatient, models.ClassPerson)
	require.NoError(t, err)
	assert.Empty(t, details)

	details, err = v.CheckRelationship(ctx, src, models.KindEntityEntity, models.RelMasterRecord, models.ClassPlace, models.ClassMasterRecord)
	require.NoError(t, err)
	assert.Empty(t, details, "empty source class matches any")

	details, err = v.CheckRelationship(ctx, src, models.KindEntityEntity, "Mother", models.ClassPerson, models.ClassPerson)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.True(t, constraint.HasErrors(details))

	assert.Equal(t, 1, src.calls, "rules are cached")
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{}
	v := NewValidator(nil)
	ctx := context.Background()

	details, err := v.CheckRelationship(ctx, src, models.KindActAct, "HasComponent", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, details)

	src.rules = []models.RelationshipValidationRule{{Kind: models.KindActAct, RelationshipType: "HasComponent"}}
	v.Invalidate()
	details, err = v.CheckRelationship(ctx, src, models.KindActAct, "HasComponent", models.ClassEncounter, models.ClassObservation)
	require.NoError(t, err)
	assert.Empty(t, details)
	assert.Equal(t, 2, src.calls)
}

func TestLoadError(t *testing.T) {
	v := NewValidator(nil)
	_, err := v.CheckRelationship(context.Background(), &fakeSource{err: errors.New("db down")}, models.KindActAct, "x", "", "")
	assert.ErrorContains(t, err, "db down")
}
