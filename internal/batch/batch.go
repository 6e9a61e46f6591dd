// Package batch checks batch-level invariants before any write is planned:
// the batch is non-empty, every row was built against the same schema
// version, and duplicate primary keys are either resolvable by the planner's
// tie-break or fatal.
//
// Validation is fail-fast: a batch-level error aborts the run before the
// warehouse is touched. Per-record problems never reach this layer; the
// normalizer already filtered them.
package batch

import (
	"fmt"
	"reflect"

	"crmsync/internal/schema"
)

// ErrorKind classifies a batch validation failure.
type ErrorKind string

const (
	// EmptyBatch means there were no rows to load (a no-op run).
	EmptyBatch ErrorKind = "empty_batch"

	// DuplicateKey means two rows share a primary key with conflicting
	// non-key values and no tie-break is configured to resolve them.
	DuplicateKey ErrorKind = "duplicate_key"

	// SchemaMismatch means a row was built against a different schema
	// version than the rest of the batch.
	SchemaMismatch ErrorKind = "schema_mismatch"
)

// ValidationError is a batch-level, run-fatal error.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch validation: %s: %s", e.Kind, e.Detail)
}

// Batch is an ordered, validated sequence of rows sharing one schema
// version. Once built it is treated as immutable.
type Batch struct {
	Table   *schema.Table
	Rows    []schema.Row
	Version uint64
}

// Validator checks batch invariants for one table.
type Validator struct {
	Table *schema.Table

	// ResolveDuplicates permits duplicate primary keys within the batch,
	// deferring to the planner's deterministic tie-break. When false, any
	// key collision with conflicting non-key values is fatal.
	ResolveDuplicates bool
}

// Validate returns an immutable Batch or a ValidationError. The input slice
// is not copied; callers hand over ownership.
func (v *Validator) Validate(rows []schema.Row) (*Batch, *ValidationError) {
	if len(rows) == 0 {
		return nil, &ValidationError{Kind: EmptyBatch, Detail: "no rows survived normalization"}
	}

	version := rows[0].Version
	for i, r := range rows {
		if r.Version != version {
			return nil, &ValidationError{
				Kind:   SchemaMismatch,
				Detail: fmt.Sprintf("row %d built against schema %x, batch is %x", i, r.Version, version),
			}
		}
	}
	if want := v.Table.Version(); version != want {
		return nil, &ValidationError{
			Kind:   SchemaMismatch,
			Detail: fmt.Sprintf("batch schema %x does not match target schema %x", version, want),
		}
	}

	seen := make(map[uint64]int, len(rows))
	for i, r := range rows {
		key := v.Table.KeyOf(r)
		prev, dup := seen[key.Fingerprint]
		if !dup {
			seen[key.Fingerprint] = i
			continue
		}
		if v.ResolveDuplicates {
			continue
		}
		if !sameNonKeyValues(v.Table, rows[prev], r) {
			return nil, &ValidationError{
				Kind: DuplicateKey,
				Detail: fmt.Sprintf("rows %d and %d share key %v with conflicting values and no tie-break configured",
					prev, i, key.Values),
			}
		}
		// Identical payloads under the same key collapse harmlessly in the
		// planner; not an error even without a tie-break.
	}

	return &Batch{Table: v.Table, Rows: rows, Version: version}, nil
}

// sameNonKeyValues reports whether a and b agree on every non-key column.
func sameNonKeyValues(t *schema.Table, a, b schema.Row) bool {
	keyCols := make(map[string]struct{}, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		keyCols[k] = struct{}{}
	}
	for _, c := range t.Columns {
		if _, isKey := keyCols[c.Name]; isKey {
			continue
		}
		if !reflect.DeepEqual(a.Values[c.Name], b.Values[c.Name]) {
			return false
		}
	}
	return true
}
