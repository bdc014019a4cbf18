// Package rules checks relationships against the configured relationship
// validation rules.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/persistence"
)

// Validator caches the rule set and answers relationship checks against it.
// The cache is loaded on first use and dropped by Invalidate.
type Validator struct {
	logger *slog.Logger

	mu     sync.RWMutex
	rules  []models.RelationshipValidationRule
	loaded bool
}

// NewValidator returns an empty Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Invalidate drops the cached rules so the next check reloads them.
func (v *Validator) Invalidate() {
	v.mu.Lock()
	v.rules, v.loaded = nil, false
	v.mu.Unlock()
}

func (v *Validator) load(ctx context.Context, src persistence.RuleSource) ([]models.RelationshipValidationRule, error) {
	v.mu.RLock()
	if v.loaded {
		rules := v.rules
		v.mu.RUnlock()
		return rules, nil
	}
	v.mu.RUnlock()

	rules, err := src.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules: load: %w", err)
	}
	v.mu.Lock()
	v.rules, v.loaded = rules, true
	v.mu.Unlock()
	v.logger.Debug("relationship rules loaded", "count", len(rules))
	return rules, nil
}

// CheckRelationship returns an error detail unless some rule permits the
// relationship. It implements persistence.RelationshipGuard.
func (v *Validator) CheckRelationship(ctx context.Context, src persistence.RuleSource, kind models.RelationshipKind, relType, sourceClass, targetClass string) ([]constraint.ValidationResultDetail, error) {
	rules, err := v.load(ctx, src)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Permits(kind, relType, sourceClass, targetClass) {
			return nil, nil
		}
	}
	return []constraint.ValidationResultDetail{{
		Priority: constraint.PriorityError,
		Message:  fmt.Sprintf("relationship %s (%s) is not permitted from %s to %s", relType, kind, sourceClass, targetClass),
		Location: "record_relationship.type",
	}}, nil
}

var _ persistence.RelationshipGuard = (*Validator)(nil)
