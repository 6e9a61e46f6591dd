// Package plan computes the minimal set of insert/update operations for a
// validated batch against a snapshot of keys already present in the
// warehouse.
//
// Duplicate primary keys within one batch are resolved deterministically:
// the row with the greatest extraction timestamp wins, and exact timestamp
// ties go to the later occurrence in input order. This is the one place
// ambiguous upstream data is silently collapsed, so the rule is fixed here
// and nowhere else.
//
// Build is a pure function of its inputs: the same batch and the same
// existing-key snapshot always produce the same plan. That determinism is
// what makes re-running a delivered-twice batch safe.
package plan

import (
	"sort"

	"crmsync/internal/batch"
	"crmsync/internal/schema"
)

// OpKind says how a row reaches the warehouse.
type OpKind string

const (
	Insert OpKind = "insert"
	Update OpKind = "update"
)

// Op is one planned row write.
type Op struct {
	Kind OpKind
	Key  schema.Key
	Row  schema.Row
}

// Plan is the ordered set of operations for one batch. Ops appear in the
// input-order position of each winning row, so plans are reproducible and
// diffs against a re-run are stable.
type Plan struct {
	Table *schema.Table
	Ops   []Op
}

// Keys returns the primary keys covered by the plan, in op order.
func (p *Plan) Keys() []schema.Key {
	out := make([]schema.Key, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.Key
	}
	return out
}

// Counts returns the number of planned inserts and updates.
func (p *Plan) Counts() (inserts, updates int) {
	for _, op := range p.Ops {
		if op.Kind == Insert {
			inserts++
		} else {
			updates++
		}
	}
	return
}

// Build computes the plan for b given the fingerprints of keys that already
// exist in the warehouse. existing may be nil for an empty table.
func Build(b *batch.Batch, existing map[uint64]struct{}) *Plan {
	type slot struct {
		row   schema.Row
		key   schema.Key
		index int
	}

	winners := make(map[uint64]slot, len(b.Rows))
	for i, row := range b.Rows {
		key := b.Table.KeyOf(row)
		prev, seen := winners[key.Fingerprint]
		if !seen {
			winners[key.Fingerprint] = slot{row: row, key: key, index: i}
			continue
		}
		// Latest extraction timestamp wins; ties break toward the later
		// occurrence. i > prev.index always holds here, so a timestamp tie
		// means the current row replaces the previous winner.
		if row.ExtractedAt.After(prev.row.ExtractedAt) || row.ExtractedAt.Equal(prev.row.ExtractedAt) {
			winners[key.Fingerprint] = slot{row: row, key: key, index: i}
		}
	}

	slots := make([]slot, 0, len(winners))
	for _, s := range winners {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })

	ops := make([]Op, 0, len(slots))
	for _, s := range slots {
		kind := Insert
		if existing != nil {
			if _, ok := existing[s.key.Fingerprint]; ok {
				kind = Update
			}
		}
		ops = append(ops, Op{Kind: kind, Key: s.key, Row: s.row})
	}
	return &Plan{Table: b.Table, Ops: ops}
}
