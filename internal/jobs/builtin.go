package jobs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/mdm"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/persistence"
)

// Well-known job identifiers.
var (
	FullTextRebuildID = uuid.MustParse("4d0c6f52-8a1e-4b7b-9d3e-1f6a2c5b7e01")
	MatchID           = uuid.MustParse("4d0c6f52-8a1e-4b7b-9d3e-1f6a2c5b7e02")
)

// FullTextRebuildJob rebuilds the note full-text index.
type FullTextRebuildJob struct {
	DB *persistence.DB
}

func (FullTextRebuildJob) ID() uuid.UUID                         { return FullTextRebuildID }
func (FullTextRebuildJob) Name() string                          { return "fulltext-rebuild" }
func (FullTextRebuildJob) CanCancel() bool                       { return true }
func (FullTextRebuildJob) Parameters() map[string]ParameterType { return map[string]ParameterType{} }

// Run implements Job.
func (j FullTextRebuildJob) Run(ctx context.Context, _ map[string]string, progress Progress) error {
	progress("indexing notes", 0)
	n, err := j.DB.RebuildFullText(ctx, func(done, total int) {
		progress(fmt.Sprintf("indexed %d of %d notes", done, total), float64(done)/float64(total))
	})
	if err != nil {
		return err
	}
	progress(fmt.Sprintf("indexed %d notes", n), 1)
	return nil
}

// MatchJob re-runs MDM linkage over active locals, refreshing duplicate
// suspicions. Parameters: class (default every managed class) and batch.
type MatchJob struct {
	DB       *persistence.DB
	Resolver *mdm.Resolver
}

func (MatchJob) ID() uuid.UUID   { return MatchID }
func (MatchJob) Name() string    { return "mdm-match" }
func (MatchJob) CanCancel() bool { return true }
func (MatchJob) Parameters() map[string]ParameterType {
	return map[string]ParameterType{"class": ParamString, "batch": ParamInt}
}

// Run implements Job.
func (j MatchJob) Run(ctx context.Context, params map[string]string, progress Progress) error {
	classes := j.Resolver.Classes()
	if c := params["class"]; c != "" {
		if !j.Resolver.Manages(c) {
			return fmt.Errorf("class %s is not MDM managed", c)
		}
		classes = []string{c}
	}
	batch := 100
	if b := params["batch"]; b != "" {
		n, err := strconv.Atoi(b)
		if err != nil || n <= 0 {
			return fmt.Errorf("batch must be a positive integer, got %q", b)
		}
		batch = n
	}

	ctx = auth.WithPrincipal(ctx, auth.System)
	for _, class := range classes {
		for offset := 0; ; offset += batch {
			recs, total, err := j.DB.ListRecords(ctx, persistence.RecordFilter{Class: class, Status: models.StatusActive, Limit: batch, Offset: offset})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				break
			}
			if err := j.linkBatch(ctx, recs); err != nil {
				return err
			}
			done := min(offset+len(recs), total)
			progress(fmt.Sprintf("%s: matched %d of %d", class, done, total), float64(done)/float64(total))
		}
	}
	return nil
}

func (j MatchJob) linkBatch(ctx context.Context, recs []models.Record) error {
	var results []*mdm.LinkResult
	_, err := j.DB.WithinTx(ctx, auth.System.Name, func(uow *persistence.UnitOfWork) error {
		for _, r := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			local, err := uow.GetRecord(ctx, r.Key)
			if err != nil {
				return err
			}
			res, err := j.Resolver.Link(ctx, uow.Elevated(), local)
			if err != nil {
				return fmt.Errorf("link %s: %w", r.Key, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.Resolver.Announce(ctx, results...)
	return nil
}
