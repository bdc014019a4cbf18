// Package mdm links local records to synthetic master records and tracks
// suspected duplicates between masters.
package mdm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/constraint"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/notify"
	"github.com/starford/hiedb/internal/persistence"
)

// Candidate is a master scored against a local.
type Candidate struct {
	Master         uuid.UUID      `json:"master"`
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`
}

// LinkResult describes the outcome of linking one local.
type LinkResult struct {
	Local         uuid.UUID   `json:"local"`
	Master        uuid.UUID   `json:"master"`
	MasterCreated bool        `json:"master_created"`
	Score         float64     `json:"score"`
	Duplicates    []Candidate `json:"duplicates,omitempty"`
}

// DuplicateLink is an open suspicion that a local's subject is also
// represented by another master.
type DuplicateLink struct {
	RelationshipKey uuid.UUID `json:"relationship_key"`
	Local           uuid.UUID `json:"local"`
	Master          uuid.UUID `json:"master"`
	Strength        float64   `json:"strength"`
}

// Store is the persistence the resolver works against.
type Store interface {
	WithinTx(ctx context.Context, principal string, fn func(*persistence.UnitOfWork) error) ([]persistence.Change, error)
	GetRecord(ctx context.Context, key uuid.UUID) (*models.Record, error)
	Relationships(ctx context.Context, f persistence.RelationshipFilter) ([]models.Relationship, error)
}

// Options configures a Resolver.
type Options struct {
	Classes    []string
	Thresholds Thresholds
	Strategy   Strategy
}

// Resolver decides master linkage for locals of the managed classes.
type Resolver struct {
	store      Store
	events     notify.Publisher
	logger     *slog.Logger
	classes    []string
	thresholds Thresholds
	strategy   Strategy
}

// NewResolver returns a Resolver. Zero options fall back to the patient
// class, DefaultThresholds and DemographicStrategy.
func NewResolver(store Store, events notify.Publisher, logger *slog.Logger, opts Options) *Resolver {
	if events == nil {
		events = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Classes) == 0 {
		opts.Classes = []string{models.ClassPatient}
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}
	if opts.Strategy == nil {
		opts.Strategy = DemographicStrategy{}
	}
	return &Resolver{
		store:      store,
		events:     events,
		logger:     logger,
		classes:    opts.Classes,
		thresholds: opts.Thresholds,
		strategy:   opts.Strategy,
	}
}

// Manages reports whether records of class are linked to masters.
func (r *Resolver) Manages(class string) bool {
	return slices.Contains(r.classes, class)
}

// Classes returns the managed classes.
func (r *Resolver) Classes() []string { return r.classes }

func masterOf(ctx context.Context, uow *persistence.UnitOfWork, local uuid.UUID) (*models.Relationship, error) {
	rels, err := uow.Relationships(ctx, persistence.RelationshipFilter{SourceKey: local, Type: models.RelMasterRecord})
	if err != nil || len(rels) == 0 {
		return nil, err
	}
	return &rels[0], nil
}

// candidates returns the heads of other active locals of local's class that
// share an identifier or the birth date.
func candidates(ctx context.Context, uow *persistence.UnitOfWork, local *models.Record) ([]*models.Record, error) {
	seen := map[uuid.UUID]bool{local.Key: true}
	var keys []uuid.UUID
	add := func(found []uuid.UUID) {
		for _, k := range found {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	for _, id := range local.Identifiers {
		found, err := uow.FindByIdentifier(ctx, id.Authority, id.Value)
		if err != nil {
			return nil, err
		}
		add(found)
	}
	if local.Demographics.BirthDate != "" {
		found, err := uow.FindByBirthDate(ctx, local.Class, local.Demographics.BirthDate)
		if err != nil {
			return nil, err
		}
		add(found)
	}

	var out []*models.Record
	for _, k := range keys {
		rec, err := uow.GetRecord(ctx, k)
		if err != nil {
			return nil, err
		}
		if rec.Class != local.Class || rec.Status != models.StatusActive {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// scoreMasters scores each master reachable from the candidates; a master
// scores as its best local.
func (r *Resolver) scoreMasters(ctx context.Context, uow *persistence.UnitOfWork, local *models.Record) ([]Candidate, error) {
	cands, err := candidates(ctx, uow, local)
	if err != nil {
		return nil, err
	}
	best := map[uuid.UUID]float64{}
	var order []uuid.UUID
	for _, c := range cands {
		link, err := masterOf(ctx, uow, c.Key)
		if err != nil {
			return nil, err
		}
		if link == nil {
			continue
		}
		score := r.strategy.Score(local, c)
		prev, ok := best[link.TargetKey]
		if !ok {
			order = append(order, link.TargetKey)
		}
		if !ok || score > prev {
			best[link.TargetKey] = score
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, m := range order {
		out = append(out, Candidate{Master: m, Score: best[m], Classification: r.thresholds.Classify(best[m])})
	}
	slices.SortStableFunc(out, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	return out, nil
}

func relTargets(rels []models.Relationship) map[uuid.UUID]models.Relationship {
	out := make(map[uuid.UUID]models.Relationship, len(rels))
	for _, rel := range rels {
		out[rel.TargetKey] = rel
	}
	return out
}

// Link attaches local to a master inside uow. A local that already has a
// master keeps it; otherwise it joins the single matching master or a new
// one is created. Other matching or probable masters are recorded as
// duplicates unless adjudicated NonDuplicate. Link never merges masters.
func (r *Resolver) Link(ctx context.Context, uow *persistence.UnitOfWork, local *models.Record) (*LinkResult, error) {
	if !r.Manages(local.Class) {
		return nil, fmt.Errorf("mdm: class %s is not managed", local.Class)
	}
	sys := uow.Elevated()

	scored, err := r.scoreMasters(ctx, uow, local)
	if err != nil {
		return nil, err
	}
	nonDup, err := uow.Relationships(ctx, persistence.RelationshipFilter{SourceKey: local.Key, Type: models.RelNonDuplicate})
	if err != nil {
		return nil, err
	}
	ignored := relTargets(nonDup)

	res := &LinkResult{Local: local.Key}
	existing, err := masterOf(ctx, uow, local.Key)
	if err != nil {
		return nil, err
	}
	switch {
	case existing != nil:
		res.Master, res.Score = existing.TargetKey, existing.Strength
	default:
		var matches []Candidate
		for _, c := range scored {
			if c.Classification == Match && ignored[c.Master].Key == uuid.Nil {
				matches = append(matches, c)
			}
		}
		if len(matches) == 1 {
			res.Master, res.Score = matches[0].Master, matches[0].Score
		} else {
			master := &models.Record{
				Domain:       local.Domain,
				Class:        models.ClassMasterRecord,
				Demographics: local.Demographics,
			}
			if err := sys.InsertRecord(ctx, master); err != nil {
				return nil, fmt.Errorf("mdm: create master: %w", err)
			}
			res.Master, res.Score, res.MasterCreated = master.Key, 1, true
		}
		err := sys.InsertRelationship(ctx, &models.Relationship{
			Association: models.Association{SourceKey: local.Key},
			TargetKey:   res.Master,
			Type:        models.RelMasterRecord,
			Strength:    res.Score,
		})
		if err != nil {
			return nil, fmt.Errorf("mdm: attach %s: %w", local.Key, err)
		}
	}

	for _, c := range scored {
		if c.Master == res.Master || c.Classification == NonMatch || ignored[c.Master].Key != uuid.Nil {
			continue
		}
		res.Duplicates = append(res.Duplicates, c)
	}
	if err := r.refreshDuplicates(ctx, sys, local.Key, res.Duplicates); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Resolver) refreshDuplicates(ctx context.Context, uow *persistence.UnitOfWork, local uuid.UUID, dups []Candidate) error {
	current, err := uow.Relationships(ctx, persistence.RelationshipFilter{SourceKey: local, Type: models.RelDuplicate})
	if err != nil {
		return err
	}
	have := relTargets(current)
	want := make(map[uuid.UUID]bool, len(dups))
	for _, d := range dups {
		want[d.Master] = true
	}
	for target, rel := range have {
		if want[target] {
			continue
		}
		if _, err := uow.ObsoleteRelationship(ctx, rel.Key); err != nil {
			return fmt.Errorf("mdm: clear duplicate: %w", err)
		}
	}
	for _, d := range dups {
		if _, ok := have[d.Master]; ok {
			continue
		}
		err := uow.InsertRelationship(ctx, &models.Relationship{
			Association: models.Association{SourceKey: local},
			TargetKey:   d.Master,
			Type:        models.RelDuplicate,
			Strength:    d.Score,
		})
		if err != nil {
			return fmt.Errorf("mdm: record duplicate: %w", err)
		}
	}
	return nil
}

// Detach ends local's master link and open duplicate suspicions inside uow.
// A master left without locals is obsoleted.
func (r *Resolver) Detach(ctx context.Context, uow *persistence.UnitOfWork, local uuid.UUID) error {
	sys := uow.Elevated()
	dups, err := uow.Relationships(ctx, persistence.RelationshipFilter{SourceKey: local, Type: models.RelDuplicate})
	if err != nil {
		return err
	}
	for _, d := range dups {
		if _, err := sys.ObsoleteRelationship(ctx, d.Key); err != nil {
			return err
		}
	}
	link, err := masterOf(ctx, uow, local)
	if err != nil || link == nil {
		return err
	}
	if _, err := sys.ObsoleteRelationship(ctx, link.Key); err != nil {
		return err
	}
	return obsoleteIfOrphaned(ctx, sys, link.TargetKey)
}

// Announce publishes the events for committed link results.
func (r *Resolver) Announce(ctx context.Context, results ...*LinkResult) {
	for _, res := range results {
		if res == nil {
			continue
		}
		r.events.Publish(ctx, notify.MDMLinked, res)
		for _, d := range res.Duplicates {
			r.events.Publish(ctx, notify.MDMDuplicate, DuplicateLink{Local: res.Local, Master: d.Master, Strength: d.Score})
		}
	}
}

func (r *Resolver) requireMaster(ctx context.Context, get func(context.Context, uuid.UUID) (*models.Record, error), key uuid.UUID) (*models.Record, error) {
	rec, err := get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.IsMaster() || rec.Status != models.StatusActive {
		return nil, apperr.NotFound("master record", key.String())
	}
	return rec, nil
}

// Locals returns the local records attached to master.
func (r *Resolver) Locals(ctx context.Context, master uuid.UUID) ([]models.Record, error) {
	if err := auth.Demand(ctx, auth.PermReadLocals); err != nil {
		return nil, err
	}
	if _, err := r.requireMaster(ctx, r.store.GetRecord, master); err != nil {
		return nil, err
	}
	rels, err := r.store.Relationships(ctx, persistence.RelationshipFilter{TargetKey: master, Type: models.RelMasterRecord})
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(rels))
	for _, rel := range rels {
		rec, err := r.store.GetRecord(ctx, rel.SourceKey)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Duplicates lists open duplicate suspicions.
func (r *Resolver) Duplicates(ctx context.Context) ([]DuplicateLink, error) {
	if err := auth.Demand(ctx, auth.PermReadLocals); err != nil {
		return nil, err
	}
	rels, err := r.store.Relationships(ctx, persistence.RelationshipFilter{Type: models.RelDuplicate})
	if err != nil {
		return nil, err
	}
	out := make([]DuplicateLink, 0, len(rels))
	for _, rel := range rels {
		out = append(out, DuplicateLink{RelationshipKey: rel.Key, Local: rel.SourceKey, Master: rel.TargetKey, Strength: rel.Strength})
	}
	return out, nil
}

// IgnoreDuplicate adjudicates that local is not represented by master. The
// suspicion is closed and never raised again.
func (r *Resolver) IgnoreDuplicate(ctx context.Context, local, master uuid.UUID) error {
	if err := auth.Demand(ctx, auth.PermWriteMaster); err != nil {
		return err
	}
	p := auth.FromContext(ctx)
	_, err := r.store.WithinTx(ctx, p.Name, func(uow *persistence.UnitOfWork) error {
		sys := uow.Elevated()
		if _, err := r.requireMaster(ctx, uow.GetRecord, master); err != nil {
			return err
		}
		dups, err := uow.Relationships(ctx, persistence.RelationshipFilter{SourceKey: local, TargetKey: master, Type: models.RelDuplicate})
		if err != nil {
			return err
		}
		if len(dups) == 0 {
			return apperr.NotFound("duplicate", local.String()+"->"+master.String())
		}
		for _, d := range dups {
			if _, err := sys.ObsoleteRelationship(ctx, d.Key); err != nil {
				return err
			}
		}
		return sys.InsertRelationship(ctx, &models.Relationship{
			Association: models.Association{SourceKey: local},
			TargetKey:   master,
			Type:        models.RelNonDuplicate,
		})
	})
	if err != nil {
		return err
	}
	r.events.Publish(ctx, notify.MDMDuplicate, map[string]any{"local": local, "master": master, "resolution": "ignored"})
	return nil
}

// Relink moves local to master. A master left without locals is obsoleted.
func (r *Resolver) Relink(ctx context.Context, local, master uuid.UUID) (*LinkResult, error) {
	if err := auth.Demand(ctx, auth.PermWriteMaster); err != nil {
		return nil, err
	}
	p := auth.FromContext(ctx)
	res := &LinkResult{Local: local, Master: master, Score: 1}
	_, err := r.store.WithinTx(ctx, p.Name, func(uow *persistence.UnitOfWork) error {
		sys := uow.Elevated()
		rec, err := uow.GetRecord(ctx, local)
		if err != nil {
			return err
		}
		if !r.Manages(rec.Class) {
			return &constraint.ValidationError{Details: []constraint.ValidationResultDetail{{
				Priority: constraint.PriorityError,
				Message:  fmt.Sprintf("class %s is not MDM managed", rec.Class),
				Location: "local",
			}}}
		}
		if _, err := r.requireMaster(ctx, uow.GetRecord, master); err != nil {
			return err
		}
		current, err := masterOf(ctx, uow, local)
		if err != nil {
			return err
		}
		if current != nil {
			if current.TargetKey == master {
				return nil
			}
			if _, err := sys.ObsoleteRelationship(ctx, current.Key); err != nil {
				return err
			}
		}
		if err := sys.InsertRelationship(ctx, &models.Relationship{
			Association: models.Association{SourceKey: local},
			TargetKey:   master,
			Type:        models.RelMasterRecord,
			Strength:    1,
		}); err != nil {
			return err
		}
		for _, typ := range []string{models.RelDuplicate, models.RelNonDuplicate} {
			if err := obsoleteAll(ctx, sys, persistence.RelationshipFilter{SourceKey: local, TargetKey: master, Type: typ}); err != nil {
				return err
			}
		}
		if current != nil {
			return obsoleteIfOrphaned(ctx, sys, current.TargetKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Announce(ctx, res)
	return res, nil
}

// obsoleteIfOrphaned obsoletes master, and the suspicions raised against it,
// once no local is linked to it.
func obsoleteIfOrphaned(ctx context.Context, sys *persistence.UnitOfWork, master uuid.UUID) error {
	left, err := sys.Relationships(ctx, persistence.RelationshipFilter{TargetKey: master, Type: models.RelMasterRecord})
	if err != nil || len(left) > 0 {
		return err
	}
	if err := clearSuspicions(ctx, sys, master); err != nil {
		return err
	}
	_, err = sys.ObsoleteRecord(ctx, master, uuid.Nil)
	return err
}

// clearSuspicions ends every Duplicate and NonDuplicate link targeting master.
func clearSuspicions(ctx context.Context, sys *persistence.UnitOfWork, master uuid.UUID) error {
	for _, typ := range []string{models.RelDuplicate, models.RelNonDuplicate} {
		if err := obsoleteAll(ctx, sys, persistence.RelationshipFilter{TargetKey: master, Type: typ}); err != nil {
			return err
		}
	}
	return nil
}

func obsoleteAll(ctx context.Context, sys *persistence.UnitOfWork, f persistence.RelationshipFilter) error {
	rels, err := sys.Relationships(ctx, f)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if _, err := sys.ObsoleteRelationship(ctx, rel.Key); err != nil {
			return err
		}
	}
	return nil
}

// MergeResult describes a completed merge.
type MergeResult struct {
	Survivor    uuid.UUID   `json:"survivor"`
	Victim      uuid.UUID   `json:"victim"`
	MovedLocals []uuid.UUID `json:"moved_locals"`
}

// Merge moves every local of victim to survivor, records that survivor
// replaces victim and obsoletes victim.
func (r *Resolver) Merge(ctx context.Context, survivor, victim uuid.UUID) (*MergeResult, error) {
	if err := auth.Demand(ctx, auth.PermMergeMaster); err != nil {
		return nil, err
	}
	if survivor == victim {
		return nil, &constraint.ValidationError{Details: []constraint.ValidationResultDetail{{
			Priority: constraint.PriorityError,
			Message:  "a master cannot be merged into itself",
			Location: "victim",
		}}}
	}
	p := auth.FromContext(ctx)
	res := &MergeResult{Survivor: survivor, Victim: victim}
	_, err := r.store.WithinTx(ctx, p.Name, func(uow *persistence.UnitOfWork) error {
		sys := uow.Elevated()
		if _, err := r.requireMaster(ctx, uow.GetRecord, survivor); err != nil {
			return err
		}
		if _, err := r.requireMaster(ctx, uow.GetRecord, victim); err != nil {
			return err
		}

		locals, err := uow.Relationships(ctx, persistence.RelationshipFilter{TargetKey: victim, Type: models.RelMasterRecord})
		if err != nil {
			return err
		}
		for _, l := range locals {
			if _, err := sys.ObsoleteRelationship(ctx, l.Key); err != nil {
				return err
			}
			if err := sys.InsertRelationship(ctx, &models.Relationship{
				Association: models.Association{SourceKey: l.SourceKey},
				TargetKey:   survivor,
				Type:        models.RelMasterRecord,
				Strength:    l.Strength,
			}); err != nil {
				return err
			}
			res.MovedLocals = append(res.MovedLocals, l.SourceKey)
		}

		if err := clearSuspicions(ctx, sys, victim); err != nil {
			return err
		}
		for _, l := range res.MovedLocals {
			if err := obsoleteAll(ctx, sys, persistence.RelationshipFilter{SourceKey: l, TargetKey: survivor, Type: models.RelDuplicate}); err != nil {
				return err
			}
		}

		if err := sys.InsertRelationship(ctx, &models.Relationship{
			Association: models.Association{SourceKey: survivor},
			TargetKey:   victim,
			Type:        models.RelReplaces,
		}); err != nil {
			return err
		}
		_, err = sys.ObsoleteRecord(ctx, victim, uuid.Nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("masters merged", "survivor", survivor, "victim", victim, "locals", len(res.MovedLocals))
	r.events.Publish(ctx, notify.MDMMerged, res)
	return res, nil
}
