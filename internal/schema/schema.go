// Package schema defines the target table schema rows are normalized
// against: an ordered set of columns with semantic types, nullability, and
// optional defaults and source-field aliases.
//
// The schema is the contract between the normalizer (which produces rows
// conforming to it), the planner (which derives primary keys from it), and
// the warehouse backends (which render it into dialect-specific DDL).
package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Kind is the semantic type of a column.
type Kind string

const (
	KindString    Kind = "string"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
)

// normalizeKind maps loosely-specified type names (including database-ish
// ones) onto the Kind set. Unknown names fall back to KindString.
func normalizeKind(t string) Kind {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "int", "integer", "bigint", "int4", "int8":
		return KindInt
	case "float", "real", "double", "numeric":
		return KindFloat
	case "bool", "boolean":
		return KindBool
	case "timestamp", "timestamptz", "date", "datetime":
		return KindTimestamp
	default:
		return KindString
	}
}

// Column describes one target column.
type Column struct {
	// Name is the destination column name.
	Name string `json:"name"`

	// Type is the semantic type; loose spellings ("integer", "timestamptz")
	// are accepted and normalized by Table.Normalize.
	Type Kind `json:"type"`

	// Required marks the column non-nullable. A raw record with no value and
	// no Default for a required column is rejected by the normalizer.
	Required bool `json:"required"`

	// Default is the value filled in when the source field is absent.
	// It must already be of the column's Go type (string, int64, float64,
	// bool, time.Time) or nil.
	Default any `json:"default,omitempty"`

	// Aliases lists alternative source field names, checked in order after
	// Name itself. Lets one schema absorb renamed upstream fields.
	Aliases []string `json:"aliases,omitempty"`

	// Layout optionally overrides the timestamp parse layout for this column.
	Layout string `json:"layout,omitempty"`
}

// Table is the target table schema.
type Table struct {
	// Name is the destination table, possibly schema-qualified
	// ("analytics.activity").
	Name string `json:"table"`

	// Columns in destination order.
	Columns []Column `json:"columns"`

	// KeyColumns name the columns forming the primary key, in key order.
	KeyColumns []string `json:"key_columns"`
}

// Normalize canonicalizes column types in place and checks structural
// soundness: non-empty name and columns, unique column names, and key
// columns that exist and are required.
func (t *Table) Normalize() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("schema: table name must not be empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("schema: at least one column required")
	}
	if len(t.KeyColumns) == 0 {
		return fmt.Errorf("schema: at least one key column required")
	}

	byName := make(map[string]int, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("schema: column %d has empty name", i)
		}
		if _, dup := byName[c.Name]; dup {
			return fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		byName[c.Name] = i
		c.Type = normalizeKind(string(c.Type))
	}

	for _, k := range t.KeyColumns {
		i, ok := byName[k]
		if !ok {
			return fmt.Errorf("schema: key column %q not in columns", k)
		}
		if !t.Columns[i].Required {
			return fmt.Errorf("schema: key column %q must be required", k)
		}
	}
	return nil
}

// Column returns the column named name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the destination column names in order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Version returns a 64-bit fingerprint of the schema's structural identity:
// table name, column names/types/nullability in order, and key columns.
// Rows record the version they were built against so the batch validator can
// refuse to mix rows from different schema generations.
func (t *Table) Version() uint64 {
	var b strings.Builder
	b.WriteString(t.Name)
	for _, c := range t.Columns {
		b.WriteByte('\x1f')
		b.WriteString(c.Name)
		b.WriteByte(':')
		b.WriteString(string(c.Type))
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(c.Required))
	}
	b.WriteByte('\x1e')
	b.WriteString(strings.Join(t.KeyColumns, ","))
	return xxh3.HashString(b.String())
}
