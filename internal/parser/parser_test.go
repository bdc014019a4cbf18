package parser

import (
	"errors"
	"testing"

	"github.com/starford/hiedb/internal/models"
)

func TestParse_YAMLSingle(t *testing.T) {
	input := []byte(`class: Patient
demographics:
  name: Ada Lovelace
  birth_date: "1815-12-10"
  gender: female
identifiers:
  - authority: NHID
    value: "123"
notes:
  - first visit
`)
	r, err := Parse("ada.yaml", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(r.Submissions))
	}
	rec := r.Submissions[0].Record()
	if rec.Domain != models.DomainEntity {
		t.Errorf("domain = %q, want entity default", rec.Domain)
	}
	if rec.Demographics.Name != "Ada Lovelace" || rec.Demographics.BirthDate != "1815-12-10" {
		t.Errorf("demographics = %+v", rec.Demographics)
	}
	if len(rec.Identifiers) != 1 || rec.Identifiers[0].Authority != "NHID" || rec.Identifiers[0].Value != "123" {
		t.Errorf("identifiers = %+v", rec.Identifiers)
	}
	if len(rec.Notes) != 1 || rec.Notes[0].Text != "first visit" {
		t.Errorf("notes = %+v", rec.Notes)
	}
}

func TestParse_JSONRecords(t *testing.T) {
	input := []byte(`{"records":[
		{"class":"Patient","demographics":{"name":"A"}},
		{"class":"Observation","domain":"act"}
	]}`)
	r, err := Parse("batch.json", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := r.Bundle()
	if len(b.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(b.Entries))
	}
	if b.Entries[1].Op != models.OpInsert || b.Entries[1].Record.Domain != models.DomainAct {
		t.Errorf("entry 1 = %+v", b.Entries[1])
	}
}

func TestParse_MarkdownBodyBecomesNote(t *testing.T) {
	input := []byte("---\nclass: Patient\ntags: [triage]\ndemographics:\n  name: Grace\n---\nSeen in clinic #followup.\n")
	r, err := Parse("grace.md", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := r.Submissions[0].Record()
	if len(rec.Notes) != 1 || rec.Notes[0].Text != "Seen in clinic #followup." {
		t.Errorf("notes = %+v", rec.Notes)
	}
	if rec.Attributes["tags"] != "triage,followup" {
		t.Errorf("tags = %q, want triage,followup", rec.Attributes["tags"])
	}
}

func TestParse_MarkdownWithoutFrontmatter(t *testing.T) {
	_, err := Parse("plain.md", []byte("# Just a heading\nSome text.\n"))
	if !errors.Is(err, ErrNoFrontMatter) {
		t.Errorf("err = %v, want ErrNoFrontMatter", err)
	}
}

func TestParse_ValidationFailures(t *testing.T) {
	cases := map[string]string{
		"missing class":    "demographics:\n  name: A\n",
		"bad domain":       "class: Patient\ndomain: thing\n",
		"bad birth date":   "class: Patient\ndemographics:\n  birth_date: 10/12/1815\n",
		"identifier value": "class: Patient\nidentifiers:\n  - authority: NHID\n",
		"malformed yaml":   "class: [unterminated\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse("x.yaml", []byte(input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_Unsupported(t *testing.T) {
	if _, err := Parse("notes.txt", []byte("x")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestMergeTags_Dedup(t *testing.T) {
	tags := mergeTags([]string{"alpha", " "}, extractTags("Some text #beta and #alpha again."))
	if len(tags) != 2 || tags[0] != "alpha" || tags[1] != "beta" {
		t.Errorf("tags = %v, want [alpha beta]", tags)
	}
}
