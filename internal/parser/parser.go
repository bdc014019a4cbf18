// Package parser decodes inbox submission documents into records.
//
// A document is YAML, JSON, or Markdown with YAML front matter. It describes
// either a single record at the top level or several under "records". The
// Markdown body, when present, becomes a note on the described record.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/hiedb/internal/models"
)

// ErrNoFrontMatter is returned for Markdown documents without a front matter block.
var ErrNoFrontMatter = errors.New("parser: markdown submission has no front matter")

// ErrUnsupported is returned for file extensions the parser does not handle.
var ErrUnsupported = errors.New("parser: unsupported document type")

var (
	birthDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	tagRe       = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// Identifier is an identifier entry in a submission.
type Identifier struct {
	Authority string `yaml:"authority" json:"authority"`
	Value     string `yaml:"value" json:"value"`
}

func (i Identifier) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Authority, validation.Required),
		validation.Field(&i.Value, validation.Required),
	)
}

// Submission is one record as written in a document.
type Submission struct {
	Domain       string              `yaml:"domain" json:"domain"`
	Class        string              `yaml:"class" json:"class"`
	Demographics models.Demographics `yaml:"demographics" json:"demographics"`
	Identifiers  []Identifier        `yaml:"identifiers" json:"identifiers"`
	Attributes   map[string]string   `yaml:"attributes" json:"attributes"`
	Notes        []string            `yaml:"notes" json:"notes"`
	Tags         []string            `yaml:"tags" json:"tags"`
}

func (s Submission) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Domain, validation.In(string(models.DomainEntity), string(models.DomainAct))),
		validation.Field(&s.Class, validation.Required),
		validation.Field(&s.Identifiers),
		validation.Field(&s.Demographics, validation.By(func(v any) error {
			d, _ := v.(models.Demographics)
			return validation.Validate(d.BirthDate, validation.Match(birthDateRe).Error("must be YYYY-MM-DD"))
		})),
	)
}

// Record converts s into an unsaved record.
func (s Submission) Record() models.Record {
	rec := models.Record{
		Domain:       models.Domain(s.Domain),
		Class:        s.Class,
		Demographics: s.Demographics,
	}
	if rec.Domain == "" {
		rec.Domain = models.DomainEntity
	}
	if len(s.Attributes) > 0 || len(s.Tags) > 0 {
		rec.Attributes = make(map[string]string, len(s.Attributes)+1)
		for k, v := range s.Attributes {
			rec.Attributes[k] = v
		}
		if len(s.Tags) > 0 {
			rec.Attributes["tags"] = strings.Join(s.Tags, ",")
		}
	}
	for _, id := range s.Identifiers {
		rec.Identifiers = append(rec.Identifiers, models.Identifier{Authority: id.Authority, Value: id.Value})
	}
	for _, text := range s.Notes {
		if text = strings.TrimSpace(text); text != "" {
			rec.Notes = append(rec.Notes, models.Note{Text: text})
		}
	}
	return rec
}

type document struct {
	Submission `yaml:",inline"`
	Records    []Submission `yaml:"records" json:"records"`
}

// Result holds the output of parsing a submission document.
type Result struct {
	Submissions []Submission
}

// Bundle returns the insert bundle for every submission in r.
func (r *Result) Bundle() models.Bundle {
	b := models.Bundle{Entries: make([]models.BundleEntry, 0, len(r.Submissions))}
	for _, s := range r.Submissions {
		b.Entries = append(b.Entries, models.BundleEntry{Op: models.OpInsert, Record: s.Record()})
	}
	return b
}

// Parse decodes data according to the extension of name and validates every
// submission it contains.
func Parse(name string, data []byte) (*Result, error) {
	var doc document
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parser: %s: %w", name, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parser: %s: %w", name, err)
		}
	case ".md":
		fm, body, ok := splitFrontmatter(data)
		if !ok {
			return nil, ErrNoFrontMatter
		}
		if err := yaml.Unmarshal(fm, &doc); err != nil {
			return nil, fmt.Errorf("parser: %s: front matter: %w", name, err)
		}
		if len(doc.Records) > 0 {
			return nil, fmt.Errorf("parser: %s: markdown describes a single record", name)
		}
		if body = strings.TrimSpace(body); body != "" {
			doc.Notes = append(doc.Notes, body)
		}
		doc.Tags = mergeTags(doc.Tags, extractTags(body))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}

	subs := doc.Records
	if len(subs) == 0 {
		subs = []Submission{doc.Submission}
	}
	for i, s := range subs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("parser: %s: record %d: %w", name, i, err)
		}
	}
	return &Result{Submissions: subs}, nil
}

// splitFrontmatter separates the YAML block between leading --- delimiters
// from the Markdown body. ok is false when there is no closed block.
func splitFrontmatter(data []byte) (fm []byte, body string, ok bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), false
	}

	afterDelim := rest[idx+1+len(delim):]
	return rest[:idx], strings.TrimLeft(string(afterDelim), "\n\r"), true
}

// extractTags collects inline #tags from a note body.
func extractTags(body string) []string {
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// mergeTags appends extra to tags, dropping blanks and duplicates.
func mergeTags(tags, extra []string) []string {
	seen := make(map[string]struct{}, len(tags)+len(extra))
	var out []string
	for _, t := range append(tags, extra...) {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
