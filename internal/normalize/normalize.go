// Package normalize converts raw source records into rows conforming to the
// target schema. It is the single boundary where untyped API payloads become
// typed values; nothing downstream handles raw input.
//
// Normalization is total: any input yields either a schema-conformant row or
// a Rejection describing why the record was refused. A malformed record never
// aborts the batch; the coordinator collects rejections into the run summary.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crmsync/internal/schema"
	"crmsync/pkg/records"
)

// Reason classifies why a record was rejected.
type Reason string

const (
	// TypeMismatch means a present value could not be coerced to the
	// column's semantic type.
	TypeMismatch Reason = "type_mismatch"

	// MissingRequired means a non-nullable column had no source field and
	// no default.
	MissingRequired Reason = "missing_required"
)

// Rejection describes a per-record normalization failure.
type Rejection struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("field %q: %s (%s)", r.Field, r.Reason, r.Detail)
}

// Default truthy/falsy spellings accepted for bool columns, lowercased.
var (
	truthy = map[string]struct{}{
		"1": {}, "t": {}, "true": {}, "yes": {}, "y": {}, "sim": {},
	}
	falsy = map[string]struct{}{
		"0": {}, "f": {}, "false": {}, "no": {}, "n": {}, "nao": {},
	}
)

// Fallback timestamp layouts tried after a column-specific layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer builds schema rows from raw records.
type Normalizer struct {
	// Table is the target schema.
	Table *schema.Table

	// ExtractedAtColumn optionally names a timestamp column whose value
	// becomes the row's extraction timestamp (used for duplicate tie-breaks).
	// When empty or absent on a given row, Now() is used instead.
	ExtractedAtColumn string

	// Now is the clock; nil means time.Now. Injected by tests.
	Now func() time.Time
}

// Normalize converts one raw record into a schema row. Nested objects are
// flattened first, then each target column is resolved by name or alias,
// coerced to its semantic type, and defaulted when absent. The input record
// is never modified and no state is kept between calls.
func (n *Normalizer) Normalize(raw records.Record) (schema.Row, *Rejection) {
	flat := Flatten(raw)

	values := make(map[string]any, len(n.Table.Columns))
	for _, col := range n.Table.Columns {
		v, present := lookup(flat, col)
		if !present || v == nil {
			if col.Default != nil {
				values[col.Name] = col.Default
				continue
			}
			if col.Required {
				return schema.Row{}, &Rejection{
					Field:  col.Name,
					Reason: MissingRequired,
					Detail: "no source field and no default",
				}
			}
			values[col.Name] = nil
			continue
		}

		cv, err := coerce(v, col)
		if err != nil {
			return schema.Row{}, &Rejection{
				Field:  col.Name,
				Reason: TypeMismatch,
				Detail: err.Error(),
			}
		}
		values[col.Name] = cv
	}

	row := schema.Row{
		Values:      values,
		ExtractedAt: n.now(),
		Version:     n.Table.Version(),
	}
	if n.ExtractedAtColumn != "" {
		if ts, ok := values[n.ExtractedAtColumn].(time.Time); ok {
			row.ExtractedAt = ts
		}
	}
	return row, nil
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// lookup resolves a column's source value: the column name itself first,
// then each alias in order. Empty strings count as absent so that blank
// API fields fall through to defaults.
func lookup(rec records.Record, col schema.Column) (any, bool) {
	names := make([]string, 0, 1+len(col.Aliases))
	names = append(names, col.Name)
	names = append(names, col.Aliases...)
	for _, name := range names {
		if v, ok := rec[name]; ok {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v, v != nil
		}
	}
	return nil, false
}

// coerce converts v to the Go type for col's Kind. It accepts the value
// shapes encoding/json produces (string, float64, json.Number-ish strings,
// bool) plus already-typed Go values.
func coerce(v any, col schema.Column) (any, error) {
	switch col.Type {
	case schema.KindInt:
		return coerceInt(v)
	case schema.KindFloat:
		return coerceFloat(v)
	case schema.KindBool:
		return coerceBool(v)
	case schema.KindTimestamp:
		return coerceTimestamp(v, col.Layout)
	default:
		return coerceString(v)
	}
}

func coerceInt(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		i := int64(t)
		if float64(i) != t {
			return nil, fmt.Errorf("%v not an integer", t)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q not an int", t)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("type %T not int-convertible", v)
	}
}

func coerceFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%q not a float", t)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("type %T not float-convertible", v)
	}
}

func coerceBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if _, ok := truthy[s]; ok {
			return true, nil
		}
		if _, ok := falsy[s]; ok {
			return false, nil
		}
		return nil, fmt.Errorf("%q not a recognized boolean", t)
	case float64:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%v not a recognized boolean", t)
	default:
		return nil, fmt.Errorf("type %T not bool-convertible", v)
	}
}

func coerceTimestamp(v any, layout string) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if layout != "" {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		for _, l := range timestampLayouts {
			if ts, err := time.Parse(l, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", t)
	case float64:
		// Unix epoch seconds, a common API shortcut.
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		return nil, fmt.Errorf("type %T not timestamp-convertible", v)
	}
}

func coerceString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("type %T not string-convertible", v)
	}
}
