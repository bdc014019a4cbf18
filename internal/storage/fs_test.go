package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempInbox(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempInbox(t)
	content := []byte("class: Patient\n")
	if err := s.Write("ada.yaml", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("ada.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempInbox(t)
	_ = s.Write("del.json", []byte("{}"))
	if err := s.Delete("del.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.json"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMoveIntoArchive(t *testing.T) {
	s := tempInbox(t)
	_ = s.Write("ada.yaml", []byte("data"))
	if err := s.Move("ada.yaml", filepath.Join(ProcessedDir, "ada.yaml")); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read(filepath.Join(ProcessedDir, "ada.yaml"))
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("ada.yaml"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestList_SubmissionsOnly(t *testing.T) {
	s := tempInbox(t)
	_ = s.Write("a.yaml", []byte("a"))
	_ = s.Write("clinic/b.json", []byte("b"))
	_ = s.Write("c.md", []byte("c"))
	_ = s.Write("readme.txt", []byte("not a submission"))
	_ = s.Write(".hidden.yaml", []byte("hidden"))
	_ = s.Write(filepath.Join(ProcessedDir, "old.yaml"), []byte("done"))
	_ = s.Write(filepath.Join(FailedDir, "bad.yaml"), []byte("bad"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(items), items)
	}
	for _, it := range items {
		if it.Checksum == "" {
			t.Errorf("%s: empty checksum", it.Path)
		}
	}
}

func TestSubmission(t *testing.T) {
	for name, want := range map[string]bool{
		"a.yaml": true, "a.YML": true, "a.json": true, "a.md": true, "a.txt": false, "a": false,
	} {
		if got := Submission(name); got != want {
			t.Errorf("Submission(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempInbox(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.yaml",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := tempInbox(t)
	_ = s.Write("atomic.yaml", []byte("original"))
	if err := s.Write("atomic.yaml", []byte("updated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.yaml")
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, ".hiedb-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "hiedb-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	if _, err := NewFS(f.Name()); err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestExists(t *testing.T) {
	s := tempInbox(t)
	_ = s.Write(filepath.Join(ProcessedDir, "ada.yaml"), []byte("data"))

	ok, err := s.Exists(filepath.Join(ProcessedDir, "ada.yaml"))
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true", ok, err)
	}
	ok, err = s.Exists("missing.yaml")
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v; want false", ok, err)
	}
	if _, err := s.Exists("../escape.yaml"); err == nil {
		t.Error("expected traversal error")
	}
}
