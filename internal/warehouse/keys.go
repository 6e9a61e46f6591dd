package warehouse

import (
	"fmt"
	"strings"
	"time"

	"crmsync/internal/schema"
)

// Backends share the same existing-keys query shape: a disjunction of key
// tuples, chunked so parameter counts stay within driver limits. Only the
// identifier quoting and placeholder syntax differ per dialect, so those are
// injected.

// KeyChunkSize bounds how many keys one existing-keys query covers.
// MSSQL's 2100-parameter limit is the tightest constraint; 256 keys of up
// to 4 key columns stays well under it for every backend.
const KeyChunkSize = 256

// KeyWhere renders "(k1=p AND k2=p) OR (...)" for n key tuples. quote quotes
// an identifier; placeholder renders the i-th parameter (1-based).
func KeyWhere(keyCols []string, n int, quote func(string) string, placeholder func(int) string) string {
	var b strings.Builder
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteByte('(')
		for j, col := range keyCols {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(quote(col))
			b.WriteString(" = ")
			b.WriteString(placeholder(p))
			p++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// KeyArgs flattens key tuple values into one parameter slice.
func KeyArgs(keys []schema.Key) []any {
	if len(keys) == 0 {
		return nil
	}
	out := make([]any, 0, len(keys)*len(keys[0].Values))
	for _, k := range keys {
		out = append(out, k.Values...)
	}
	return out
}

// FingerprintScanned computes the key fingerprint for one scanned result
// row of key-column values. Driver representations are first coerced back
// to the schema's Go types (sqlite hands back TEXT timestamps, some drivers
// hand back []byte strings) so the fingerprint matches the one derived from
// normalized rows.
func FingerprintScanned(t *schema.Table, vals []any) (uint64, error) {
	if len(vals) != len(t.KeyColumns) {
		return 0, fmt.Errorf("scanned %d key values, want %d", len(vals), len(t.KeyColumns))
	}
	values := make(map[string]any, len(vals))
	for i, colName := range t.KeyColumns {
		col, _ := t.Column(colName)
		v, err := coerceScanned(vals[i], col)
		if err != nil {
			return 0, fmt.Errorf("key column %q: %w", colName, err)
		}
		values[colName] = v
	}
	return t.KeyOf(schema.Row{Values: values}).Fingerprint, nil
}

func coerceScanned(v any, col schema.Column) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch col.Type {
	case schema.KindInt:
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case int32:
			return int64(t), nil
		}
	case schema.KindFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case schema.KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case int64:
			return t != 0, nil
		}
	case schema.KindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("unparseable timestamp %q", t)
			}
			return ts, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected driver type %T for %s column", v, col.Type)
}
