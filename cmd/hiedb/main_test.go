package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/starford/hiedb/internal/install"
)

func TestInstallPrintsBundle(t *testing.T) {
	var out bytes.Buffer
	if err := newCommand(&out).Run(context.Background(), []string{"hiedb", "install", "--provider", "sqlite3"}); err != nil {
		t.Fatalf("install: %v", err)
	}
	scripts, err := install.Install(install.SQLite)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range scripts {
		if !strings.Contains(out.String(), "-- "+s.Name+"\n") {
			t.Errorf("output is missing script %s", s.Name)
		}
	}
}

func TestUninstallUnsupportedProvider(t *testing.T) {
	var out bytes.Buffer
	err := newCommand(&out).Run(context.Background(), []string{"hiedb", "uninstall", "--provider", "oracle"})
	if !errors.Is(err, install.ErrUnsupportedProvider) {
		t.Errorf("err = %v, want ErrUnsupportedProvider", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}
