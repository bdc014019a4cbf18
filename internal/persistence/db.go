// Package persistence maps versioned records and their associations onto
// SQLite tables, enforcing formal constraints inside each unit of work.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/hiedb/internal/install"
)

// ConnectionResolver looks up a named connection string. It is consulted
// when the database is opened, not when configuration is loaded.
type ConnectionResolver interface {
	ConnectionString(name string) (provider, value string, err error)
}

// Options names the connections to open. An empty Readonly shares the
// read-write pool.
type Options struct {
	ReadWrite string
	Readonly  string
}

// DB holds the read-write and read-only pools.
type DB struct {
	rw    *sql.DB
	ro    *sql.DB
	guard RelationshipGuard
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open resolves the configured connections, opens them and applies the
// sqlite install bundle.
func Open(ctx context.Context, resolver ConnectionResolver, opts Options) (*DB, error) {
	rwPath, err := resolveSQLite(resolver, opts.ReadWrite)
	if err != nil {
		return nil, err
	}
	rw, err := sql.Open("sqlite3", withParams(rwPath, "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"))
	if err != nil {
		return nil, fmt.Errorf("persistence: open db: %w", err)
	}
	// Single writer. With no readonly connection configured reads share this
	// pool, so nothing may read through DB while holding a UnitOfWork.
	rw.SetMaxOpenConns(1)
	if err := rw.PingContext(ctx); err != nil {
		rw.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	if err := applySchema(ctx, rw); err != nil {
		rw.Close()
		return nil, err
	}
	if err := initFTS(rw); err != nil {
		rw.Close()
		return nil, fmt.Errorf("persistence: apply fts schema: %w", err)
	}

	db := &DB{rw: rw, ro: rw}
	if opts.Readonly != "" && opts.Readonly != opts.ReadWrite {
		roPath, err := resolveSQLite(resolver, opts.Readonly)
		if err != nil {
			rw.Close()
			return nil, err
		}
		if !strings.HasPrefix(roPath, "file:") {
			roPath = "file:" + roPath
		}
		ro, err := sql.Open("sqlite3", withParams(roPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			rw.Close()
			return nil, fmt.Errorf("persistence: open readonly db: %w", err)
		}
		if err := ro.PingContext(ctx); err != nil {
			ro.Close()
			rw.Close()
			return nil, fmt.Errorf("persistence: ping readonly: %w", err)
		}
		db.ro = ro
	}
	return db, nil
}

// Close closes both pools.
func (db *DB) Close() error {
	if db.ro != db.rw {
		_ = db.ro.Close()
	}
	return db.rw.Close()
}

// Ping checks that the read-write pool is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.rw.PingContext(ctx)
}

// UseRelationshipGuard installs the check every relationship insert must pass.
func (db *DB) UseRelationshipGuard(g RelationshipGuard) {
	db.guard = g
}

func resolveSQLite(resolver ConnectionResolver, name string) (string, error) {
	provider, value, err := resolver.ConnectionString(name)
	if err != nil {
		return "", fmt.Errorf("persistence: resolve connection %q: %w", name, err)
	}
	dialect, err := install.Normalize(provider)
	if err != nil {
		return "", fmt.Errorf("persistence: connection %q: %w", name, err)
	}
	if dialect != install.SQLite {
		return "", fmt.Errorf("persistence: connection %q: %w: no driver for %s", name, install.ErrUnsupportedProvider, dialect)
	}
	return value, nil
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// applySchema runs the install scripts not yet applied, tracking progress in
// PRAGMA user_version.
func applySchema(ctx context.Context, conn *sql.DB) error {
	scripts, err := install.Install(install.SQLite)
	if err != nil {
		return fmt.Errorf("persistence: load install bundle: %w", err)
	}
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("persistence: get user_version: %w", err)
	}
	for i := version; i < len(scripts); i++ {
		if _, err := conn.ExecContext(ctx, scripts[i].SQL); err != nil {
			return fmt.Errorf("persistence: apply %s: %w", scripts[i].Name, err)
		}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(scripts))); err != nil {
		return fmt.Errorf("persistence: set user_version: %w", err)
	}
	return nil
}
