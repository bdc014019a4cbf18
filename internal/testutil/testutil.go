// Package testutil provides shared test helpers for databases, inboxes and
// principals.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/persistence"
	"github.com/starford/hiedb/internal/rules"
	"github.com/starford/hiedb/internal/storage"
)

// Authority is the assigning authority every TestDB registers.
const Authority = "NHID"

type fileResolver string

func (f fileResolver) ConnectionString(name string) (string, string, error) {
	if name != "main" {
		return "", "", fmt.Errorf("no connection %q", name)
	}
	return "sqlite", string(f), nil
}

// TestDB creates a temporary database with the relationship rules guard
// installed and the NHID authority registered. It is cleaned up with t.
func TestDB(t *testing.T) *persistence.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "hiedb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := persistence.Open(context.Background(), fileResolver(dbFile.Name()), persistence.Options{ReadWrite: "main"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	db.UseRelationshipGuard(rules.NewValidator(nil))

	if err := db.InsertAuthority(context.Background(), models.AssigningAuthority{Domain: Authority, Name: "National Health ID"}); err != nil {
		t.Fatal(err)
	}
	return db
}

// TestInbox creates a temporary inbox directory with a storage.Provider.
func TestInbox(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// AdminContext returns a context acting as a principal with every permission.
func AdminContext() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Name: "admin", Permissions: auth.AllPermissions})
}

// Patient builds an unsaved patient with NHID identifiers.
func Patient(name, birthDate, gender string, ids ...string) *models.Record {
	rec := &models.Record{
		Domain:       models.DomainEntity,
		Class:        models.ClassPatient,
		Demographics: models.Demographics{Name: name, BirthDate: birthDate, Gender: gender},
	}
	for _, v := range ids {
		rec.Identifiers = append(rec.Identifiers, models.Identifier{Authority: Authority, Value: v})
	}
	return rec
}
