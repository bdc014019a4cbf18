package mcpserver

import (
	"fmt"
	"strings"

	"github.com/starford/hiedb/internal/constraint"
)

// SubmissionFormatContract describes the document format accepted by the
// submit_document tool and the ingest inbox.
const SubmissionFormatContract = `# HIEDB Submission Format

A submission describes one record at the top level, or several under
` + "`records`" + `. YAML (.yaml, .yml), JSON (.json) and Markdown with YAML
front matter (.md) are accepted.

## Structure

` + "```" + `yaml
domain: entity            # OPTIONAL - entity (default) or act
class: Patient            # REQUIRED
demographics:
  name: Ada Lovelace
  birth_date: "1815-12-10" # YYYY-MM-DD
  gender: female
identifiers:              # authority must be registered
  - authority: NHID
    value: "123"
attributes:
  ward: "4B"
tags: [triage]
notes:
  - first visit
` + "```" + `

## Rules

1. Never supply a record key. Keys are generated by the store.
2. Every identifier needs both an authority and a value.
3. In Markdown documents the body becomes a note on the record and inline
   ` + "`#tags`" + ` are merged into ` + "`tags`" + `.
4. A submission is atomic: if any record fails, nothing is stored.
`

// ConstraintContract renders the closed set of formal constraint
// violations a write can fail with.
func ConstraintContract() string {
	var b strings.Builder
	b.WriteString("# HIEDB Formal Constraints\n\n")
	b.WriteString("Writes that breach a formal constraint fail with one of these kinds.\n\n")
	for _, k := range constraint.Kinds() {
		fmt.Fprintf(&b, "- **%s**: %s\n", k, k.Message())
	}
	return b.String()
}
