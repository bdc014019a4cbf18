package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
)

// RelationshipGuard approves relationship inserts. Rules are read through
// src so a guard sees the calling unit of work's uncommitted state.
type RelationshipGuard interface {
	CheckRelationship(ctx context.Context, src RuleSource, kind models.RelationshipKind, relType, sourceClass, targetClass string) ([]constraint.ValidationResultDetail, error)
}

// RuleSource lists the relationship validation rules.
type RuleSource interface {
	ListRules(ctx context.Context) ([]models.RelationshipValidationRule, error)
}

// Change is one committed mutation, reported for event fan-out.
type Change struct {
	Type string    `json:"type"`
	Key  uuid.UUID `json:"key"`
}

// Change types.
const (
	ChangeRecordCreated       = "record.created"
	ChangeRecordUpdated       = "record.updated"
	ChangeRecordObsoleted     = "record.obsoleted"
	ChangeRelationshipCreated = "relationship.created"
	ChangeRelationshipRemoved = "relationship.obsoleted"
	ChangeNoteCreated         = "note.created"
)

// UnitOfWork is a single transaction. Every check runs against the
// transaction, so a unit of work sees its own uncommitted rows.
type UnitOfWork struct {
	db        *DB
	tx        *sql.Tx
	principal string
	system    bool
	changes   *[]Change
}

// Begin opens a unit of work on behalf of principal.
func (db *DB) Begin(ctx context.Context, principal string) (*UnitOfWork, error) {
	tx, err := db.rw.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: begin tx: %w", err)
	}
	return &UnitOfWork{db: db, tx: tx, principal: principal, changes: &[]Change{}}, nil
}

// WithinTx runs fn in a unit of work and commits it when fn succeeds.
func (db *DB) WithinTx(ctx context.Context, principal string, fn func(*UnitOfWork) error) ([]Change, error) {
	uow, err := db.Begin(ctx, principal)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(uow); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, err
	}
	return uow.Changes(), nil
}

// Elevated returns a view of u that may create and modify system-owned
// records. It shares u's transaction.
func (u *UnitOfWork) Elevated() *UnitOfWork {
	c := *u
	c.system = true
	return &c
}

// Principal returns the name mutations are attributed to.
func (u *UnitOfWork) Principal() string { return u.principal }

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

// Rollback abandons the transaction. It is a no-op after Commit.
func (u *UnitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Changes returns the mutations recorded so far.
func (u *UnitOfWork) Changes() []Change {
	return append([]Change(nil), *u.changes...)
}

func (u *UnitOfWork) record(typ string, key uuid.UUID) {
	*u.changes = append(*u.changes, Change{Type: typ, Key: key})
}

// RecordExists reports whether key exists, including uncommitted inserts.
func (u *UnitOfWork) RecordExists(ctx context.Context, key uuid.UUID) (bool, error) {
	return recordExists(ctx, u.tx, key)
}

// GetRecord returns the head of key as seen by this unit of work.
func (u *UnitOfWork) GetRecord(ctx context.Context, key uuid.UUID) (*models.Record, error) {
	return getHead(ctx, u.tx, key)
}

// Relationships returns active relationships matching f.
func (u *UnitOfWork) Relationships(ctx context.Context, f RelationshipFilter) ([]models.Relationship, error) {
	return relationships(ctx, u.tx, f)
}

// FindByIdentifier returns the keys of records holding authority/value.
func (u *UnitOfWork) FindByIdentifier(ctx context.Context, authority, value string) ([]uuid.UUID, error) {
	return findByIdentifier(ctx, u.tx, authority, value)
}

// FindByBirthDate returns active records of class born on birthDate.
func (u *UnitOfWork) FindByBirthDate(ctx context.Context, class, birthDate string) ([]uuid.UUID, error) {
	return findByBirthDate(ctx, u.tx, class, birthDate)
}

// ListRules lists relationship validation rules inside the transaction.
func (u *UnitOfWork) ListRules(ctx context.Context) ([]models.RelationshipValidationRule, error) {
	return listRules(ctx, u.tx)
}

func (u *UnitOfWork) nextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := u.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM record_version`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("persistence: next sequence: %w", err)
	}
	return seq, nil
}

func validateRecordShape(rec *models.Record) error {
	var details []constraint.ValidationResultDetail
	if rec.Domain != models.DomainEntity && rec.Domain != models.DomainAct {
		details = append(details, constraint.ValidationResultDetail{
			Priority: constraint.PriorityError,
			Message:  fmt.Sprintf("domain must be %q or %q", models.DomainEntity, models.DomainAct),
			Location: "record.domain",
		})
	}
	if strings.TrimSpace(rec.Class) == "" {
		details = append(details, constraint.ValidationResultDetail{
			Priority: constraint.PriorityError,
			Message:  "class is required",
			Location: "record.class",
		})
	}
	if len(details) > 0 {
		return &constraint.ValidationError{Details: details}
	}
	return nil
}

// InsertRecord persists rec as a new record with its first version. A zero
// Key is generated; VersionKey must be zero. Nested identifiers,
// relationships and notes are attached at the new version. rec is updated
// with the stored state.
func (u *UnitOfWork) InsertRecord(ctx context.Context, rec *models.Record) error {
	if err := validateRecordShape(rec); err != nil {
		return err
	}
	if rec.IsMaster() && !u.system {
		return fmt.Errorf("persistence: master records are system-owned: %w", apperr.ErrForbidden)
	}
	if err := constraint.Check(ctx, u, models.OpInsert, versionTable.Subject(rec.VersionKey, false)); err != nil {
		return err
	}
	for _, id := range rec.Identifiers {
		if err := constraint.Check(ctx, nil, models.OpInsert, identifierTable.Subject(id.Key, false)); err != nil {
			return err
		}
	}
	for _, n := range rec.Notes {
		if err := constraint.Check(ctx, nil, models.OpInsert, noteTable.Subject(n.Key, false)); err != nil {
			return err
		}
	}

	if rec.Key == uuid.Nil {
		rec.Key = uuid.New()
	} else {
		exists, err := u.RecordExists(ctx, rec.Key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("persistence: record %s: %w", rec.Key, apperr.ErrAlreadyExists)
		}
	}

	seq, err := u.nextSequence(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.VersionKey = uuid.New()
	rec.VersionSequence = seq
	rec.PreviousVersionKey = nil
	rec.ObsoleteSequence = nil
	rec.Status = models.StatusActive
	rec.Readonly = rec.IsMaster() || (rec.Readonly && u.system)
	rec.CreatedAt = now
	rec.CreatedBy = u.principal

	if _, err := u.tx.ExecContext(ctx, recordTable.Insert(),
		rec.Key, rec.Domain, rec.Class, rec.Readonly, now, u.principal); err != nil {
		return fmt.Errorf("persistence: insert record: %w", err)
	}
	if err := u.insertVersion(ctx, rec); err != nil {
		return err
	}

	for i := range rec.Identifiers {
		id := &rec.Identifiers[i]
		id.SourceKey, id.EffectiveSequence = rec.Key, seq
		if err := u.insertIdentifier(ctx, id); err != nil {
			return err
		}
	}
	for i := range rec.Relationships {
		rel := &rec.Relationships[i]
		rel.SourceKey, rel.EffectiveSequence = rec.Key, seq
		if err := u.InsertRelationship(ctx, rel); err != nil {
			return err
		}
	}
	for i := range rec.Notes {
		n := &rec.Notes[i]
		n.SourceKey, n.EffectiveSequence = rec.Key, seq
		if err := u.InsertNote(ctx, n); err != nil {
			return err
		}
	}

	u.record(ChangeRecordCreated, rec.Key)
	return nil
}

func (u *UnitOfWork) insertVersion(ctx context.Context, rec *models.Record) error {
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	var prev uuid.NullUUID
	if rec.PreviousVersionKey != nil {
		prev = uuid.NullUUID{UUID: *rec.PreviousVersionKey, Valid: true}
	}
	_, err = u.tx.ExecContext(ctx, versionTable.Insert(),
		rec.VersionKey, rec.Key, rec.VersionSequence, prev, nil,
		rec.Status, rec.Demographics.Name, rec.Demographics.BirthDate, rec.Demographics.Gender,
		attrs, rec.CreatedAt, rec.CreatedBy)
	if err != nil {
		return fmt.Errorf("persistence: insert version: %w", err)
	}
	return nil
}

// newVersion stamps head obsolete and inserts next as its successor.
func (u *UnitOfWork) newVersion(ctx context.Context, head, next *models.Record) error {
	seq, err := u.nextSequence(ctx)
	if err != nil {
		return err
	}
	res, err := u.tx.ExecContext(ctx,
		`UPDATE record_version SET obsolete_sequence = ? WHERE version_key = ? AND obsolete_sequence IS NULL`,
		seq, head.VersionKey)
	if err != nil {
		return fmt.Errorf("persistence: obsolete head: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("persistence: version %s is no longer head: %w", head.VersionKey, apperr.ErrConflict)
	}

	prev := head.VersionKey
	next.Key = head.Key
	next.Domain = head.Domain
	next.Class = head.Class
	next.Readonly = head.Readonly
	next.VersionKey = uuid.New()
	next.VersionSequence = seq
	next.PreviousVersionKey = &prev
	next.ObsoleteSequence = nil
	next.CreatedAt = time.Now().UTC()
	next.CreatedBy = u.principal
	return u.insertVersion(ctx, next)
}

// loadForChange loads the head for an update or obsolete and runs the formal
// constraints against it.
func (u *UnitOfWork) loadForChange(ctx context.Context, op models.Operation, key, ifMatch uuid.UUID) (*models.Record, error) {
	if key == uuid.Nil {
		return nil, constraint.Check(ctx, u, op, recordTable.Subject(key, false))
	}
	head, err := getHead(ctx, u.tx, key)
	if err != nil {
		return nil, err
	}
	if err := constraint.Check(ctx, u, op, recordTable.Subject(key, head.Readonly && !u.system)); err != nil {
		return nil, err
	}
	if head.Status == models.StatusObsolete {
		return nil, fmt.Errorf("persistence: record %s is obsolete: %w", key, apperr.ErrConflict)
	}
	if ifMatch != uuid.Nil && ifMatch != head.VersionKey {
		return nil, fmt.Errorf("persistence: record %s head is %s, not %s: %w", key, head.VersionKey, ifMatch, apperr.ErrConflict)
	}
	return head, nil
}

// UpdateRecord writes rec as the new head of rec.Key. A non-zero ifMatch must
// equal the current head's version key. When rec.Identifiers is non-nil the
// active identifier set is replaced by it.
func (u *UnitOfWork) UpdateRecord(ctx context.Context, rec *models.Record, ifMatch uuid.UUID) error {
	head, err := u.loadForChange(ctx, models.OpUpdate, rec.Key, ifMatch)
	if err != nil {
		return err
	}
	rec.Status = models.StatusActive
	if err := u.newVersion(ctx, head, rec); err != nil {
		return err
	}
	if rec.Identifiers != nil {
		if err := u.reconcileIdentifiers(ctx, head.Identifiers, rec); err != nil {
			return err
		}
	}
	if err := loadAssociations(ctx, u.tx, rec, rec.VersionSequence); err != nil {
		return err
	}
	u.record(ChangeRecordUpdated, rec.Key)
	return nil
}

// ObsoleteRecord closes the record with an obsolete version and returns it.
func (u *UnitOfWork) ObsoleteRecord(ctx context.Context, key, ifMatch uuid.UUID) (*models.Record, error) {
	head, err := u.loadForChange(ctx, models.OpObsolete, key, ifMatch)
	if err != nil {
		return nil, err
	}
	next := &models.Record{
		Status:       models.StatusObsolete,
		Demographics: head.Demographics,
		Attributes:   head.Attributes,
	}
	if err := u.newVersion(ctx, head, next); err != nil {
		return nil, err
	}
	u.record(ChangeRecordObsoleted, key)
	return next, nil
}

func identifierKey(id models.Identifier) string { return id.Authority + "\x00" + id.Value }

func (u *UnitOfWork) reconcileIdentifiers(ctx context.Context, current []models.Identifier, rec *models.Record) error {
	wanted := make(map[string]bool, len(rec.Identifiers))
	for _, id := range rec.Identifiers {
		wanted[identifierKey(id)] = true
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[identifierKey(id)] = true
		if wanted[identifierKey(id)] {
			continue
		}
		if _, err := u.tx.ExecContext(ctx,
			`UPDATE record_identifier SET obsolete_sequence = ? WHERE identifier_key = ?`,
			rec.VersionSequence, id.Key); err != nil {
			return fmt.Errorf("persistence: obsolete identifier: %w", err)
		}
	}
	for _, id := range rec.Identifiers {
		if have[identifierKey(id)] {
			continue
		}
		if err := constraint.Check(ctx, nil, models.OpInsert, identifierTable.Subject(id.Key, false)); err != nil {
			return err
		}
		id.SourceKey, id.EffectiveSequence = rec.Key, rec.VersionSequence
		if err := u.insertIdentifier(ctx, &id); err != nil {
			return err
		}
		have[identifierKey(id)] = true
	}
	return nil
}

func (u *UnitOfWork) insertIdentifier(ctx context.Context, id *models.Identifier) error {
	if err := constraint.Check(ctx, u, models.OpInsert,
		identifierTable.Subject(id.Key, false, identifierTable.Ref(id.SourceKey, id.EffectiveSequence))); err != nil {
		return err
	}
	if _, err := getAuthority(ctx, u.tx, id.Authority); err != nil {
		return err
	}
	id.Key = uuid.New()
	_, err := u.tx.ExecContext(ctx, identifierTable.Insert(),
		id.Key, id.SourceKey, id.Authority, id.Value, id.EffectiveSequence, nil)
	if err != nil {
		return fmt.Errorf("persistence: insert identifier: %w", err)
	}
	return nil
}

// InsertRelationship attaches rel to its source. A zero EffectiveSequence is
// taken from the source's head. The target must exist and the relationship
// must pass the installed guard.
func (u *UnitOfWork) InsertRelationship(ctx context.Context, rel *models.Relationship) error {
	var source *models.Record
	if rel.SourceKey != uuid.Nil && rel.EffectiveSequence == 0 {
		head, err := getHead(ctx, u.tx, rel.SourceKey)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if head != nil {
			source = head
			rel.EffectiveSequence = head.VersionSequence
		}
	}
	if err := constraint.Check(ctx, u, models.OpInsert,
		relationshipTable.Subject(rel.Key, false, relationshipTable.Ref(rel.SourceKey, rel.EffectiveSequence))); err != nil {
		return err
	}
	if source == nil {
		head, err := getHead(ctx, u.tx, rel.SourceKey)
		if err != nil {
			return err
		}
		source = head
	}
	target, err := getHead(ctx, u.tx, rel.TargetKey)
	if err != nil {
		return err
	}
	if models.SystemOwned(rel.Type) && !u.system {
		return fmt.Errorf("persistence: %s relationships are system-owned: %w", rel.Type, apperr.ErrForbidden)
	}
	if err := u.writableSource(source); err != nil {
		return err
	}
	if err := u.guardRelationship(ctx, source, target, rel.Type); err != nil {
		return err
	}

	if rel.Key == uuid.Nil {
		rel.Key = uuid.New()
	}
	_, err = u.tx.ExecContext(ctx, relationshipTable.Insert(),
		rel.Key, rel.SourceKey, rel.TargetKey, rel.Type, rel.Strength, rel.EffectiveSequence, nil)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("persistence: relationship %s: %w", rel.Key, apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("persistence: insert relationship: %w", err)
	}
	u.record(ChangeRelationshipCreated, rel.SourceKey)
	return nil
}

func (u *UnitOfWork) guardRelationship(ctx context.Context, source, target *models.Record, relType string) error {
	kind, ok := models.KindBetween(source.Domain, target.Domain)
	if !ok {
		return &constraint.ValidationError{Details: []constraint.ValidationResultDetail{{
			Priority: constraint.PriorityError,
			Message:  fmt.Sprintf("no relationship kind links %s to %s", source.Domain, target.Domain),
			Location: relationshipTable.Name,
		}}}
	}
	if u.db.guard == nil {
		return nil
	}
	details, err := u.db.guard.CheckRelationship(ctx, u, kind, relType, source.Class, target.Class)
	if err != nil {
		return err
	}
	if constraint.HasErrors(details) {
		return &constraint.ValidationError{Details: details}
	}
	return nil
}

// writableSource rejects association changes on a readonly source unless
// the unit of work is elevated.
func (u *UnitOfWork) writableSource(source *models.Record) error {
	if source.Readonly && !u.system {
		return &constraint.Violation{Kind: constraint.UpdatedReadonlyObject, Table: recordTable.Name, Key: source.Key.String()}
	}
	return nil
}

// ObsoleteRelationship ends an active relationship at its source's head.
func (u *UnitOfWork) ObsoleteRelationship(ctx context.Context, key uuid.UUID) (*models.Relationship, error) {
	if err := constraint.Check(ctx, u, models.OpObsolete, relationshipTable.Subject(key, false)); err != nil {
		return nil, err
	}
	rel, err := getRelationship(ctx, u.tx, key)
	if err != nil {
		return nil, err
	}
	source, err := getHead(ctx, u.tx, rel.SourceKey)
	if err != nil {
		return nil, err
	}
	if models.SystemOwned(rel.Type) && !u.system {
		return nil, fmt.Errorf("persistence: %s relationships are system-owned: %w", rel.Type, apperr.ErrForbidden)
	}
	if err := u.writableSource(source); err != nil {
		return nil, err
	}
	seq := source.VersionSequence
	if _, err := u.tx.ExecContext(ctx,
		`UPDATE record_relationship SET obsolete_sequence = ? WHERE relationship_key = ?`, seq, key); err != nil {
		return nil, fmt.Errorf("persistence: obsolete relationship: %w", err)
	}
	rel.ObsoleteSequence = &seq
	u.record(ChangeRelationshipRemoved, rel.SourceKey)
	return rel, nil
}

// InsertNote attaches n to its source. A zero EffectiveSequence is taken
// from the source's head.
func (u *UnitOfWork) InsertNote(ctx context.Context, n *models.Note) error {
	if n.SourceKey != uuid.Nil && n.EffectiveSequence == 0 {
		head, err := getHead(ctx, u.tx, n.SourceKey)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if head != nil {
			n.EffectiveSequence = head.VersionSequence
		}
	}
	if err := constraint.Check(ctx, u, models.OpInsert,
		noteTable.Subject(n.Key, false, noteTable.Ref(n.SourceKey, n.EffectiveSequence))); err != nil {
		return err
	}
	source, err := getHead(ctx, u.tx, n.SourceKey)
	if err != nil {
		return err
	}
	if err := u.writableSource(source); err != nil {
		return err
	}
	n.Key = uuid.New()
	if n.Author == "" {
		n.Author = u.principal
	}
	n.CreatedAt = time.Now().UTC()
	_, err = u.tx.ExecContext(ctx, noteTable.Insert(),
		n.Key, n.SourceKey, n.Author, n.Text, n.EffectiveSequence, nil, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert note: %w", err)
	}
	if err := ftsUpsert(ctx, u.tx, n.Key, n.SourceKey, n.Text); err != nil {
		return err
	}
	u.record(ChangeNoteCreated, n.SourceKey)
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
