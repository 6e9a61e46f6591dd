package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Key is the primary key derived from a row: the key column values in key
// order, plus a 64-bit fingerprint used for cheap set membership and map
// keying. The fingerprint is a hash of the canonical string form; Values
// keep the real typed values for SQL parameter binding.
type Key struct {
	Fingerprint uint64
	Values      []any
}

// KeyOf derives the primary key for row under the table's key columns.
// The canonical form joins each value's stable string rendering with an
// unlikely separator, so equal keys always produce equal fingerprints
// regardless of how the row was built.
func (t *Table) KeyOf(row Row) Key {
	var b strings.Builder
	vals := make([]any, len(t.KeyColumns))
	for i, col := range t.KeyColumns {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		v := row.Values[col]
		vals[i] = v
		b.WriteString(keyString(v))
	}
	return Key{Fingerprint: xxh3.HashString(b.String()), Values: vals}
}

// keyString renders a key value in a stable, type-tagged form. Tagging keeps
// int64(1) and "1" from colliding.
func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		return "s:" + t
	case int64:
		return fmt.Sprintf("i:%d", t)
	case float64:
		return fmt.Sprintf("f:%g", t)
	case bool:
		return fmt.Sprintf("b:%t", t)
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("x:%v", t)
	}
}
