package persistence

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/constraint"
)

// ForeignKey maps a column onto the key of another table.
type ForeignKey struct {
	Column     string
	Table      string
	References string
}

// Table describes how one domain type is stored. Columns lists the mapped
// columns in scan order, key first.
type Table struct {
	Name        string
	Key         string
	AutoKey     bool
	Versioned   bool
	Columns     []string
	ForeignKeys []ForeignKey
	// JoinFilter restricts rows whenever the table is joined or listed. It
	// is a format string taking the table alias.
	JoinFilter string
}

var (
	recordTable = Table{
		Name:    "record",
		Key:     "record_key",
		Columns: []string{"record_key", "domain", "class", "readonly", "created_at", "created_by"},
	}
	versionTable = Table{
		Name:    "record_version",
		Key:     "version_key",
		AutoKey: true,
		Columns: []string{
			"version_key", "record_key", "sequence", "previous_version_key", "obsolete_sequence",
			"status", "name", "birth_date", "gender", "attributes", "created_at", "created_by",
		},
		ForeignKeys: []ForeignKey{
			{Column: "record_key", Table: "record", References: "record_key"},
			{Column: "previous_version_key", Table: "record_version", References: "version_key"},
		},
		JoinFilter: "%s.obsolete_sequence IS NULL",
	}
	identifierTable = Table{
		Name:      "record_identifier",
		Key:       "identifier_key",
		AutoKey:   true,
		Versioned: true,
		Columns:   []string{"identifier_key", "source_key", "authority", "value", "effective_sequence", "obsolete_sequence"},
		ForeignKeys: []ForeignKey{
			{Column: "source_key", Table: "record", References: "record_key"},
			{Column: "authority", Table: "assigning_authority", References: "domain"},
		},
		JoinFilter: "%s.obsolete_sequence IS NULL",
	}
	relationshipTable = Table{
		Name:      "record_relationship",
		Key:       "relationship_key",
		Versioned: true,
		Columns:   []string{"relationship_key", "source_key", "target_key", "type", "strength", "effective_sequence", "obsolete_sequence"},
		ForeignKeys: []ForeignKey{
			{Column: "source_key", Table: "record", References: "record_key"},
			{Column: "target_key", Table: "record", References: "record_key"},
		},
		JoinFilter: "%s.obsolete_sequence IS NULL",
	}
	noteTable = Table{
		Name:      "record_note",
		Key:       "note_key",
		AutoKey:   true,
		Versioned: true,
		Columns:   []string{"note_key", "source_key", "author", "text", "effective_sequence", "obsolete_sequence", "created_at"},
		ForeignKeys: []ForeignKey{
			{Column: "source_key", Table: "record", References: "record_key"},
		},
		JoinFilter: "%s.obsolete_sequence IS NULL",
	}
	authorityTable = Table{
		Name:    "assigning_authority",
		Key:     "domain",
		Columns: []string{"domain", "oid", "name", "url"},
	}
	ruleTable = Table{
		Name:    "relationship_validation_rule",
		Key:     "rule_key",
		Columns: []string{"rule_key", "kind", "relationship_type", "source_class", "target_class", "description"},
	}
	jobStateTable = Table{
		Name:    "job_state",
		Key:     "job_id",
		Columns: []string{"job_id", "name", "state", "progress", "status_text", "started_at", "stopped_at"},
	}
)

// Tables returns every mapped table.
func Tables() []Table {
	return []Table{recordTable, versionTable, identifierTable, relationshipTable, noteTable, authorityTable, ruleTable, jobStateTable}
}

// Cols renders the column list qualified with alias. An empty alias leaves
// the columns bare.
func (t Table) Cols(alias string) string {
	if alias == "" {
		return strings.Join(t.Columns, ", ")
	}
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// Filter renders the join filter for alias, or "" when the table has none.
func (t Table) Filter(alias string) string {
	if t.JoinFilter == "" {
		return ""
	}
	return fmt.Sprintf(t.JoinFilter, alias)
}

// Select renders a query over the mapped columns. Active restricts it with
// the join filter; where is ANDed on when non-empty.
func (t Table) Select(active bool, where string) string {
	q := "SELECT " + t.Cols("") + " FROM " + t.Name
	var conds []string
	if active && t.JoinFilter != "" {
		conds = append(conds, t.Filter(t.Name))
	}
	if where != "" {
		conds = append(conds, where)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return q
}

// Insert renders a parameterised insert of every mapped column.
func (t Table) Insert() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	return "INSERT INTO " + t.Name + " (" + t.Cols("") + ") VALUES (" + marks + ")"
}

// JoinOn renders the ON clause joining t (as alias) to parent (as
// parentAlias) through t's foreign key. The join filter is included when
// active is set.
func (t Table) JoinOn(alias string, parent Table, parentAlias string, active bool) (string, error) {
	for _, fk := range t.ForeignKeys {
		if fk.Table != parent.Name || fk.References != parent.Key {
			continue
		}
		on := fmt.Sprintf("%s.%s = %s.%s", alias, fk.Column, parentAlias, parent.Key)
		if active && t.JoinFilter != "" {
			on += " AND " + t.Filter(alias)
		}
		return on, nil
	}
	return "", fmt.Errorf("persistence: %s has no foreign key to %s", t.Name, parent.Name)
}

// Subject describes a persistence operation on key against this table.
func (t Table) Subject(key uuid.UUID, readonly bool, refs ...constraint.AssociationRef) constraint.Subject {
	return constraint.Subject{
		Table:        t.Name,
		Key:          key,
		AutoKey:      t.AutoKey,
		Readonly:     readonly,
		Associations: refs,
	}
}

// Ref describes an association row of t hanging off source.
func (t Table) Ref(source uuid.UUID, effective int64) constraint.AssociationRef {
	return constraint.AssociationRef{
		Table:             t.Name,
		SourceKey:         source,
		Versioned:         t.Versioned,
		EffectiveSequence: effective,
	}
}

func mustJoin(t Table, alias string, parent Table, parentAlias string, active bool) string {
	on, err := t.JoinOn(alias, parent, parentAlias, active)
	if err != nil {
		panic(err)
	}
	return on
}

// headSelect selects record columns followed by head version columns.
var headSelect = "SELECT " + recordTable.Cols("r") + ", " + versionTable.Cols("v") +
	" FROM record r JOIN record_version v ON " + mustJoin(versionTable, "v", recordTable, "r", true)

// versionSelect selects record columns followed by any version's columns.
var versionSelect = "SELECT " + recordTable.Cols("r") + ", " + versionTable.Cols("v") +
	" FROM record r JOIN record_version v ON " + mustJoin(versionTable, "v", recordTable, "r", false)
