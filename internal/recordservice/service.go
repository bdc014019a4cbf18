// Package recordservice coordinates persistence, MDM linkage and event
// publishing for record operations.
package recordservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/mdm"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/notify"
	"github.com/starford/hiedb/internal/persistence"
	"github.com/starford/hiedb/internal/rules"
)

// Service is the entry point for every record mutation.
type Service struct {
	db     *persistence.DB
	mdm    *mdm.Resolver
	rules  *rules.Validator
	events notify.Publisher
	logger *slog.Logger
}

// NewService creates a record service. A nil resolver disables MDM linkage.
func NewService(db *persistence.DB, resolver *mdm.Resolver, validator *rules.Validator, events notify.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, mdm: resolver, rules: validator, events: events, logger: logger}
}

// DB exposes the underlying store for read-only consumers.
func (s *Service) DB() *persistence.DB { return s.db }

// MDM returns the linkage resolver, or nil.
func (s *Service) MDM() *mdm.Resolver { return s.mdm }

func (s *Service) managed(class string) bool {
	return s.mdm != nil && s.mdm.Manages(class)
}

// write runs fn in a unit of work as the principal in ctx, then publishes
// the committed changes.
func (s *Service) write(ctx context.Context, fn func(*persistence.UnitOfWork) ([]*mdm.LinkResult, error)) error {
	p := auth.FromContext(ctx)
	var links []*mdm.LinkResult
	changes, err := s.db.WithinTx(ctx, p.Name, func(uow *persistence.UnitOfWork) error {
		if p.System {
			uow = uow.Elevated()
		}
		var err error
		links, err = fn(uow)
		return err
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		s.events.Publish(ctx, c.Type, map[string]uuid.UUID{"key": c.Key})
	}
	if s.mdm != nil {
		s.mdm.Announce(ctx, links...)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, uow *persistence.UnitOfWork, e models.BundleEntry) (*models.Record, *mdm.LinkResult, error) {
	rec := e.Record
	switch e.Op {
	case models.OpInsert:
		if err := uow.InsertRecord(ctx, &rec); err != nil {
			return nil, nil, err
		}
	case models.OpUpdate:
		if err := uow.UpdateRecord(ctx, &rec, e.IfMatch); err != nil {
			return nil, nil, err
		}
	case models.OpObsolete:
		obsolete, err := uow.ObsoleteRecord(ctx, rec.Key, e.IfMatch)
		if err != nil {
			return nil, nil, err
		}
		if s.managed(obsolete.Class) {
			if err := s.mdm.Detach(ctx, uow, obsolete.Key); err != nil {
				return nil, nil, err
			}
		}
		return obsolete, nil, nil
	default:
		return nil, nil, invalid("op", fmt.Sprintf("unknown operation %q", e.Op))
	}

	if !s.managed(rec.Class) {
		return &rec, nil, nil
	}
	link, err := s.mdm.Link(ctx, uow, &rec)
	if err != nil {
		return nil, nil, err
	}
	return &rec, link, nil
}

func (s *Service) one(ctx context.Context, e models.BundleEntry) (*models.Record, error) {
	var out *models.Record
	err := s.write(ctx, func(uow *persistence.UnitOfWork) ([]*mdm.LinkResult, error) {
		rec, link, err := s.apply(ctx, uow, e)
		if err != nil {
			return nil, err
		}
		out = rec
		return []*mdm.LinkResult{link}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.db.GetRecord(ctx, out.Key)
}

// Create inserts rec and links it when its class is MDM managed.
func (s *Service) Create(ctx context.Context, rec models.Record) (*models.Record, error) {
	return s.one(ctx, models.BundleEntry{Op: models.OpInsert, Record: rec})
}

// Update writes a new version of rec. A non-zero ifMatch must name the head.
func (s *Service) Update(ctx context.Context, rec models.Record, ifMatch uuid.UUID) (*models.Record, error) {
	return s.one(ctx, models.BundleEntry{Op: models.OpUpdate, Record: rec, IfMatch: ifMatch})
}

// Obsolete closes key and detaches it from its master.
func (s *Service) Obsolete(ctx context.Context, key, ifMatch uuid.UUID) (*models.Record, error) {
	return s.one(ctx, models.BundleEntry{Op: models.OpObsolete, Record: models.Record{Key: key}, IfMatch: ifMatch})
}

// Submit applies every entry of b in one unit of work. Either all entries
// are committed or none are.
func (s *Service) Submit(ctx context.Context, b models.Bundle) ([]models.Record, error) {
	if len(b.Entries) == 0 {
		return nil, invalid("entries", "bundle has no entries")
	}
	keys := make([]uuid.UUID, 0, len(b.Entries))
	err := s.write(ctx, func(uow *persistence.UnitOfWork) ([]*mdm.LinkResult, error) {
		var links []*mdm.LinkResult
		for i, e := range b.Entries {
			rec, link, err := s.apply(ctx, uow, e)
			if err != nil {
				return nil, fmt.Errorf("bundle entry %d: %w", i, err)
			}
			keys = append(keys, rec.Key)
			links = append(links, link)
		}
		return links, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.db.GetRecord(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Get returns the head of key.
func (s *Service) Get(ctx context.Context, key uuid.UUID) (*models.Record, error) {
	return s.db.GetRecord(ctx, key)
}

// GetVersion returns key as of version sequence seq.
func (s *Service) GetVersion(ctx context.Context, key uuid.UUID, seq int64) (*models.Record, error) {
	return s.db.GetRecordVersion(ctx, key, seq)
}

// History returns every version of key, newest first.
func (s *Service) History(ctx context.Context, key uuid.UUID) ([]models.Record, error) {
	return s.db.History(ctx, key)
}

// List returns head versions matching f.
func (s *Service) List(ctx context.Context, f persistence.RecordFilter) ([]models.Record, int, error) {
	return s.db.ListRecords(ctx, f)
}

// AddRelationship attaches rel to its source record.
func (s *Service) AddRelationship(ctx context.Context, rel models.Relationship) (*models.Relationship, error) {
	err := s.write(ctx, func(uow *persistence.UnitOfWork) ([]*mdm.LinkResult, error) {
		return nil, uow.InsertRelationship(ctx, &rel)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// RemoveRelationship ends the relationship key.
func (s *Service) RemoveRelationship(ctx context.Context, key uuid.UUID) (*models.Relationship, error) {
	var rel *models.Relationship
	err := s.write(ctx, func(uow *persistence.UnitOfWork) ([]*mdm.LinkResult, error) {
		var err error
		rel, err = uow.ObsoleteRelationship(ctx, key)
		return nil, err
	})
	return rel, err
}

// Relationships returns active relationships matching f.
func (s *Service) Relationships(ctx context.Context, f persistence.RelationshipFilter) ([]models.Relationship, error) {
	return s.db.Relationships(ctx, f)
}

// AddNote attaches a note to its source record.
func (s *Service) AddNote(ctx context.Context, n models.Note) (*models.Note, error) {
	err := s.write(ctx, func(uow *persistence.UnitOfWork) ([]*mdm.LinkResult, error) {
		return nil, uow.InsertNote(ctx, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// SearchNotes runs a full-text query over active notes.
func (s *Service) SearchNotes(ctx context.Context, query string, limit int) ([]persistence.NoteHit, error) {
	if query == "" {
		return nil, invalid("q", "query is required")
	}
	return s.db.SearchNotes(ctx, query, limit)
}

// Authorities lists the assigning authorities.
func (s *Service) Authorities(ctx context.Context) ([]models.AssigningAuthority, error) {
	return s.db.ListAuthorities(ctx)
}

// RegisterAuthority adds an assigning authority.
func (s *Service) RegisterAuthority(ctx context.Context, a models.AssigningAuthority) error {
	if err := auth.Demand(ctx, auth.PermAdminister); err != nil {
		return err
	}
	err := validation.ValidateStruct(&a,
		validation.Field(&a.Domain, validation.Required, validation.Length(1, 64)),
		validation.Field(&a.Name, validation.Required),
	)
	if err != nil {
		return fromValidation(err)
	}
	return s.db.InsertAuthority(ctx, a)
}

// Rules lists relationship validation rules.
func (s *Service) Rules(ctx context.Context) ([]models.RelationshipValidationRule, error) {
	return s.db.ListRules(ctx)
}

// AddRule adds a relationship validation rule and refreshes the rule cache.
func (s *Service) AddRule(ctx context.Context, r models.RelationshipValidationRule) (*models.RelationshipValidationRule, error) {
	if err := auth.Demand(ctx, auth.PermAdminister); err != nil {
		return nil, err
	}
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required,
			validation.In(models.KindEntityEntity, models.KindActAct, models.KindActEntity)),
		validation.Field(&r.RelationshipType, validation.Required),
	)
	if err != nil {
		return nil, fromValidation(err)
	}
	if err := s.db.InsertRule(ctx, &r); err != nil {
		return nil, err
	}
	s.invalidateRules()
	return &r, nil
}

// DeleteRule removes a rule and refreshes the rule cache.
func (s *Service) DeleteRule(ctx context.Context, key uuid.UUID) error {
	if err := auth.Demand(ctx, auth.PermAdminister); err != nil {
		return err
	}
	if err := s.db.DeleteRule(ctx, key); err != nil {
		return err
	}
	s.invalidateRules()
	return nil
}

func (s *Service) invalidateRules() {
	if s.rules != nil {
		s.rules.Invalidate()
	}
}

func invalid(location, msg string) error {
	return &constraint.ValidationError{Details: []constraint.ValidationResultDetail{{
		Priority: constraint.PriorityError,
		Message:  msg,
		Location: location,
	}}}
}

// fromValidation turns ozzo field errors into a ValidationError.
func fromValidation(err error) error {
	var fields validation.Errors
	if !errors.As(err, &fields) {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := &constraint.ValidationError{}
	for _, name := range names {
		ferr := fields[name]
		out.Details = append(out.Details, constraint.ValidationResultDetail{
			Priority: constraint.PriorityError,
			Message:  name + ": " + ferr.Error(),
			Location: name,
		})
	}
	return out
}
