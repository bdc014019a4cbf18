// Package ingest feeds submission documents dropped into an inbox directory
// through the record service.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/checksum"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/parser"
	"github.com/starford/hiedb/internal/storage"
)

// Outcomes passed to an EventCallback.
const (
	Processed = "processed"
	Failed    = "failed"
	Skipped   = "skipped"
)

// EventCallback is called after a file has been handled.
type EventCallback func(outcome string, path string)

// Submitter applies a bundle atomically.
type Submitter interface {
	Submit(ctx context.Context, b models.Bundle) ([]models.Record, error)
}

// Ledger remembers which file contents were already ingested.
type Ledger interface {
	IngestSeen(ctx context.Context, checksum string) (bool, error)
	RecordIngest(ctx context.Context, checksum, path string, key uuid.UUID) error
}

// Ingester processes inbox files. Each file is submitted as one bundle, then
// moved to processed/ or failed/. Identical content is submitted once.
type Ingester struct {
	svc       Submitter
	ledger    Ledger
	store     storage.Provider
	principal auth.Principal
	logger    *slog.Logger
	cb        EventCallback
}

// New creates an Ingester submitting as principal.
func New(svc Submitter, ledger Ledger, store storage.Provider, principal auth.Principal, logger *slog.Logger, cb EventCallback) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{svc: svc, ledger: ledger, store: store, principal: principal, logger: logger, cb: cb}
}

// Sync processes every submission already waiting in the inbox.
func (in *Ingester) Sync(ctx context.Context) error {
	metas, err := in.store.List("")
	if err != nil {
		return err
	}
	for _, m := range metas {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := in.Process(ctx, m.Path); err != nil {
			in.logger.Warn("sync: process failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Process ingests the file at p and archives it. The returned error reports
// only inbox or ledger failures; a rejected submission is archived under
// failed/ with a sibling .error file and reported as the Failed outcome.
func (in *Ingester) Process(ctx context.Context, p string) (string, error) {
	data, err := in.store.Read(p)
	if err != nil {
		return "", err
	}
	sum := checksum.Sum(data)

	seen, err := in.ledger.IngestSeen(ctx, sum)
	if err != nil {
		return "", err
	}
	if seen {
		in.logger.Debug("ingest: already seen", slog.String("path", p))
		return in.archive(p, sum, storage.ProcessedDir, Skipped)
	}

	res, err := parser.Parse(p, data)
	if err != nil {
		return in.reject(p, sum, err)
	}
	recs, err := in.svc.Submit(auth.WithPrincipal(ctx, in.principal), res.Bundle())
	if err != nil {
		return in.reject(p, sum, err)
	}

	key := uuid.Nil
	if len(recs) > 0 {
		key = recs[0].Key
	}
	if err := in.ledger.RecordIngest(ctx, sum, p, key); err != nil {
		return "", err
	}
	in.logger.Info("ingest: submitted", slog.String("path", p), slog.Int("records", len(recs)))
	return in.archive(p, sum, storage.ProcessedDir, Processed)
}

func (in *Ingester) reject(p, sum string, cause error) (string, error) {
	in.logger.Warn("ingest: rejected", slog.String("path", p), slog.String("error", cause.Error()))
	dest, err := in.destination(storage.FailedDir, p, sum)
	if err != nil {
		return "", err
	}
	if err := in.store.Write(dest+".error", []byte(cause.Error()+"\n")); err != nil {
		return "", err
	}
	return in.move(p, dest, Failed)
}

func (in *Ingester) archive(p, sum, dir, outcome string) (string, error) {
	dest, err := in.destination(dir, p, sum)
	if err != nil {
		return "", err
	}
	return in.move(p, dest, outcome)
}

func (in *Ingester) move(p, dest, outcome string) (string, error) {
	if err := in.store.Move(p, dest); err != nil {
		return "", fmt.Errorf("ingest: archive %s: %w", p, err)
	}
	if in.cb != nil {
		in.cb(outcome, p)
	}
	return outcome, nil
}

// destination returns the archive path for p under dir. An archived file of
// the same name is never replaced: the name gains a checksum prefix of the
// content, then a timestamp.
func (in *Ingester) destination(dir, p, sum string) (string, error) {
	dest := filepath.Join(dir, p)
	taken, err := in.store.Exists(dest)
	if err != nil || !taken {
		return dest, err
	}
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext) + "." + sum[:12]
	dest = filepath.Join(dir, base+ext)
	taken, err = in.store.Exists(dest)
	if err != nil || !taken {
		return dest, err
	}
	return filepath.Join(dir, base+"."+time.Now().UTC().Format("20060102T150405.000000000")+ext), nil
}
