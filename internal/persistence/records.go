package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/models"
)

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Class  string
	Status models.Status
	Limit  int
	Offset int
}

// RelationshipFilter narrows relationship queries. Zero fields match any.
type RelationshipFilter struct {
	SourceKey uuid.UUID
	TargetKey uuid.UUID
	Type      string
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.Record, error) {
	var (
		r          models.Record
		readonly   bool
		recCreated time.Time
		recBy      string
		recKey     uuid.UUID
		prev       uuid.NullUUID
		obsolete   sql.NullInt64
		attrs      string
	)
	err := sc.Scan(
		&r.Key, &r.Domain, &r.Class, &readonly, &recCreated, &recBy,
		&r.VersionKey, &recKey, &r.VersionSequence, &prev, &obsolete,
		&r.Status, &r.Demographics.Name, &r.Demographics.BirthDate, &r.Demographics.Gender,
		&attrs, &r.CreatedAt, &r.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	r.Readonly = readonly
	if prev.Valid {
		p := prev.UUID
		r.PreviousVersionKey = &p
	}
	if obsolete.Valid {
		o := obsolete.Int64
		r.ObsoleteSequence = &o
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("persistence: decode attributes of %s: %w", r.Key, err)
		}
	}
	return &r, nil
}

func nullSeq(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func seqPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("persistence: encode attributes: %w", err)
	}
	return string(b), nil
}

// getHead loads the current version of key with its active associations.
func getHead(ctx context.Context, q querier, key uuid.UUID) (*models.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, headSelect+" WHERE r.record_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("record", key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get record: %w", err)
	}
	if err := loadAssociations(ctx, q, rec, rec.VersionSequence); err != nil {
		return nil, err
	}
	return rec, nil
}

// getVersion loads key as of version sequence seq.
func getVersion(ctx context.Context, q querier, key uuid.UUID, seq int64) (*models.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, versionSelect+" WHERE r.record_key = ? AND v.sequence = ?", key, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("record version", fmt.Sprintf("%s@%d", key, seq))
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get version: %w", err)
	}
	if err := loadAssociations(ctx, q, rec, seq); err != nil {
		return nil, err
	}
	return rec, nil
}

// history returns every version of key, newest first, without associations.
func history(ctx context.Context, q querier, key uuid.UUID) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx, versionSelect+" WHERE r.record_key = ? ORDER BY v.sequence DESC", key)
	if err != nil {
		return nil, fmt.Errorf("persistence: history: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("record", key.String())
	}
	return out, nil
}

func recordExists(ctx context.Context, q querier, key uuid.UUID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM record WHERE record_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("persistence: record exists: %w", err)
	}
	return n > 0, nil
}

func listRecords(ctx context.Context, q querier, f RecordFilter) ([]models.Record, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var conds []string
	var args []any
	if f.Class != "" {
		conds = append(conds, "r.class = ?")
		args = append(args, f.Class)
	}
	if f.Status != "" {
		conds = append(conds, "v.status = ?")
		args = append(args, f.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQ := "SELECT count(*) FROM record r JOIN record_version v ON " +
		mustJoin(versionTable, "v", recordTable, "r", true) + where
	if err := q.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("persistence: count records: %w", err)
	}

	rows, err := q.QueryContext(ctx, headSelect+where+" ORDER BY r.created_at, r.record_key LIMIT ? OFFSET ?",
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("persistence: list records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func scanKeys(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var k uuid.UUID
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// findByIdentifier returns the records holding an active identifier.
func findByIdentifier(ctx context.Context, q querier, authority, value string) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT source_key FROM record_identifier
		 WHERE authority = ? AND value = ? AND `+identifierTable.Filter("record_identifier"),
		authority, value)
	if err != nil {
		return nil, fmt.Errorf("persistence: find by identifier: %w", err)
	}
	return scanKeys(rows)
}

// findByBirthDate returns active records of class whose head version carries
// birthDate.
func findByBirthDate(ctx context.Context, q querier, class, birthDate string) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT r.record_key FROM record r JOIN record_version v ON `+
			mustJoin(versionTable, "v", recordTable, "r", true)+
			` WHERE r.class = ? AND v.birth_date = ? AND v.status = ?`,
		class, birthDate, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("persistence: find by birth date: %w", err)
	}
	return scanKeys(rows)
}

func activeClause(alias string) string {
	return fmt.Sprintf("%[1]s.effective_sequence <= ? AND (%[1]s.obsolete_sequence IS NULL OR %[1]s.obsolete_sequence > ?)", alias)
}

// loadAssociations fills rec with the identifiers, relationships and notes
// active at seq.
func loadAssociations(ctx context.Context, q querier, rec *models.Record, seq int64) error {
	where := "source_key = ? AND " + activeClause(identifierTable.Name)
	rows, err := q.QueryContext(ctx, identifierTable.Select(false, where)+" ORDER BY authority, value", rec.Key, seq, seq)
	if err != nil {
		return fmt.Errorf("persistence: load identifiers: %w", err)
	}
	rec.Identifiers, err = scanIdentifiers(rows)
	if err != nil {
		return err
	}

	where = "source_key = ? AND " + activeClause(relationshipTable.Name)
	rows, err = q.QueryContext(ctx, relationshipTable.Select(false, where)+" ORDER BY type, target_key", rec.Key, seq, seq)
	if err != nil {
		return fmt.Errorf("persistence: load relationships: %w", err)
	}
	rec.Relationships, err = scanRelationships(rows)
	if err != nil {
		return err
	}

	where = "source_key = ? AND " + activeClause(noteTable.Name)
	rows, err = q.QueryContext(ctx, noteTable.Select(false, where)+" ORDER BY created_at", rec.Key, seq, seq)
	if err != nil {
		return fmt.Errorf("persistence: load notes: %w", err)
	}
	rec.Notes, err = scanNotes(rows)
	return err
}

func scanIdentifiers(rows *sql.Rows) ([]models.Identifier, error) {
	defer rows.Close()
	var out []models.Identifier
	for rows.Next() {
		var (
			id  models.Identifier
			obs sql.NullInt64
		)
		if err := rows.Scan(&id.Key, &id.SourceKey, &id.Authority, &id.Value, &id.EffectiveSequence, &obs); err != nil {
			return nil, err
		}
		id.ObsoleteSequence = seqPtr(obs)
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanRelationships(rows *sql.Rows) ([]models.Relationship, error) {
	defer rows.Close()
	var out []models.Relationship
	for rows.Next() {
		var (
			rel models.Relationship
			obs sql.NullInt64
		)
		if err := rows.Scan(&rel.Key, &rel.SourceKey, &rel.TargetKey, &rel.Type, &rel.Strength, &rel.EffectiveSequence, &obs); err != nil {
			return nil, err
		}
		rel.ObsoleteSequence = seqPtr(obs)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanNotes(rows *sql.Rows) ([]models.Note, error) {
	defer rows.Close()
	var out []models.Note
	for rows.Next() {
		var (
			n   models.Note
			obs sql.NullInt64
		)
		if err := rows.Scan(&n.Key, &n.SourceKey, &n.Author, &n.Text, &n.EffectiveSequence, &obs, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.ObsoleteSequence = seqPtr(obs)
		out = append(out, n)
	}
	return out, rows.Err()
}

// relationships returns active relationships matching f.
func relationships(ctx context.Context, q querier, f RelationshipFilter) ([]models.Relationship, error) {
	var conds []string
	var args []any
	if f.SourceKey != uuid.Nil {
		conds = append(conds, "source_key = ?")
		args = append(args, f.SourceKey)
	}
	if f.TargetKey != uuid.Nil {
		conds = append(conds, "target_key = ?")
		args = append(args, f.TargetKey)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	rows, err := q.QueryContext(ctx, relationshipTable.Select(true, strings.Join(conds, " AND "))+" ORDER BY type, source_key, target_key", args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: relationships: %w", err)
	}
	return scanRelationships(rows)
}

func getRelationship(ctx context.Context, q querier, key uuid.UUID) (*models.Relationship, error) {
	rows, err := q.QueryContext(ctx, relationshipTable.Select(true, "relationship_key = ?"), key)
	if err != nil {
		return nil, fmt.Errorf("persistence: get relationship: %w", err)
	}
	rels, err := scanRelationships(rows)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, apperr.NotFound("relationship", key.String())
	}
	return &rels[0], nil
}

// GetRecord returns the head version of key with its active associations.
func (db *DB) GetRecord(ctx context.Context, key uuid.UUID) (*models.Record, error) {
	return getHead(ctx, db.ro, key)
}

// GetRecordVersion returns key as it was at version sequence seq.
func (db *DB) GetRecordVersion(ctx context.Context, key uuid.UUID, seq int64) (*models.Record, error) {
	return getVersion(ctx, db.ro, key, seq)
}

// History returns every version of key, newest first.
func (db *DB) History(ctx context.Context, key uuid.UUID) ([]models.Record, error) {
	return history(ctx, db.ro, key)
}

// RecordExists reports whether key has ever been persisted.
func (db *DB) RecordExists(ctx context.Context, key uuid.UUID) (bool, error) {
	return recordExists(ctx, db.ro, key)
}

// ListRecords returns head versions matching f and the total match count.
func (db *DB) ListRecords(ctx context.Context, f RecordFilter) ([]models.Record, int, error) {
	return listRecords(ctx, db.ro, f)
}

// FindByIdentifier returns the keys of records holding authority/value.
func (db *DB) FindByIdentifier(ctx context.Context, authority, value string) ([]uuid.UUID, error) {
	return findByIdentifier(ctx, db.ro, authority, value)
}

// Relationships returns the active relationships matching f.
func (db *DB) Relationships(ctx context.Context, f RelationshipFilter) ([]models.Relationship, error) {
	return relationships(ctx, db.ro, f)
}
