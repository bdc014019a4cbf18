package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
)

func listRules(ctx context.Context, q querier) ([]models.RelationshipValidationRule, error) {
	rows, err := q.QueryContext(ctx, ruleTable.Select(false, "")+" ORDER BY kind, relationship_type, source_class, target_class")
	if err != nil {
		return nil, fmt.Errorf("persistence: list rules: %w", err)
	}
	defer rows.Close()

	var out []models.RelationshipValidationRule
	for rows.Next() {
		var r models.RelationshipValidationRule
		if err := rows.Scan(&r.Key, &r.Kind, &r.RelationshipType, &r.SourceClass, &r.TargetClass, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRules returns every relationship validation rule.
func (db *DB) ListRules(ctx context.Context) ([]models.RelationshipValidationRule, error) {
	return listRules(ctx, db.ro)
}

// InsertRule adds a rule. A zero Key is generated.
func (db *DB) InsertRule(ctx context.Context, r *models.RelationshipValidationRule) error {
	if err := constraint.Check(ctx, nil, models.OpInsert, ruleTable.Subject(r.Key, false)); err != nil {
		return err
	}
	if r.Key == uuid.Nil {
		r.Key = uuid.New()
	}
	_, err := db.rw.ExecContext(ctx, ruleTable.Insert(),
		r.Key, r.Kind, r.RelationshipType, r.SourceClass, r.TargetClass, r.Description)
	if isUniqueViolation(err) {
		return fmt.Errorf("persistence: rule %s %s: %w", r.Kind, r.RelationshipType, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("persistence: insert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule.
func (db *DB) DeleteRule(ctx context.Context, key uuid.UUID) error {
	if err := constraint.Check(ctx, nil, models.OpObsolete, ruleTable.Subject(key, false)); err != nil {
		return err
	}
	res, err := db.rw.ExecContext(ctx, `DELETE FROM relationship_validation_rule WHERE rule_key = ?`, key)
	if err != nil {
		return fmt.Errorf("persistence: delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("rule", key.String())
	}
	return nil
}

func getAuthority(ctx context.Context, q querier, domain string) (*models.AssigningAuthority, error) {
	var a models.AssigningAuthority
	err := q.QueryRowContext(ctx, authorityTable.Select(false, "domain = ?"), domain).
		Scan(&a.Domain, &a.OID, &a.Name, &a.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("assigning authority", domain)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get authority: %w", err)
	}
	return &a, nil
}

// GetAuthority returns the assigning authority for domain.
func (db *DB) GetAuthority(ctx context.Context, domain string) (*models.AssigningAuthority, error) {
	return getAuthority(ctx, db.ro, domain)
}

// ListAuthorities returns every assigning authority.
func (db *DB) ListAuthorities(ctx context.Context) ([]models.AssigningAuthority, error) {
	rows, err := db.ro.QueryContext(ctx, authorityTable.Select(false, "")+" ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("persistence: list authorities: %w", err)
	}
	defer rows.Close()

	var out []models.AssigningAuthority
	for rows.Next() {
		var a models.AssigningAuthority
		if err := rows.Scan(&a.Domain, &a.OID, &a.Name, &a.URL); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertAuthority registers an assigning authority.
func (db *DB) InsertAuthority(ctx context.Context, a models.AssigningAuthority) error {
	_, err := db.rw.ExecContext(ctx, authorityTable.Insert(), a.Domain, a.OID, a.Name, a.URL)
	if isUniqueViolation(err) {
		return fmt.Errorf("persistence: authority %s: %w", a.Domain, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("persistence: insert authority: %w", err)
	}
	return nil
}
