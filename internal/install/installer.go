// Package install emits the ordered SQL script bundles that install and
// uninstall the hiedb persistence feature for each supported dialect.
package install

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed sql
var scripts embed.FS

// Dialects.
const (
	SQLite     = "sqlite"
	PostgreSQL = "postgresql"
)

// ErrUnsupportedProvider is returned for provider invariants with no bundle.
var ErrUnsupportedProvider = errors.New("install: unsupported provider")

var aliases = map[string]string{
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"postgresql": PostgreSQL,
	"postgres":   PostgreSQL,
	"pgsql":      PostgreSQL,
	"npgsql":     PostgreSQL,
}

// Script is one named SQL script of a bundle.
type Script struct {
	Name string
	SQL  string
}

// Providers returns the supported dialect names.
func Providers() []string {
	return []string{SQLite, PostgreSQL}
}

// Normalize maps a provider invariant name onto its dialect.
func Normalize(provider string) (string, error) {
	d, ok := aliases[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return d, nil
}

// Install returns the install bundle for provider in application order.
func Install(provider string) ([]Script, error) {
	return bundle(provider, "install")
}

// Uninstall returns the uninstall bundle for provider in application order.
func Uninstall(provider string) ([]Script, error) {
	return bundle(provider, "uninstall")
}

func bundle(provider, phase string) ([]Script, error) {
	dialect, err := Normalize(provider)
	if err != nil {
		return nil, err
	}
	dir := path.Join("sql", dialect, phase)
	// ReadDir returns entries sorted by filename, which fixes the order.
	entries, err := fs.ReadDir(scripts, dir)
	if err != nil {
		return nil, fmt.Errorf("install: read %s: %w", dir, err)
	}
	out := make([]Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := scripts.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("install: read %s: %w", e.Name(), err)
		}
		out = append(out, Script{Name: e.Name(), SQL: string(data)})
	}
	return out, nil
}
