// Package records defines the loosely typed record map that flows between
// the extractor and the normalizer. A Record is the raw shape of one source
// row: field names as delivered by the API, values as decoded JSON
// (string, json.Number/float64, bool, nested map, nil).
//
// Records are transient and owned by a single run. Nothing downstream of the
// normalizer sees a Record; past that boundary only typed rows exist.
package records

// Record is one raw source record, keyed by source field name.
type Record map[string]any

// Clone returns a shallow copy of r. Nested values are shared.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the string value for key, or "" when the key is absent or
// holds a non-string.
func (r Record) String(key string) string {
	if v, ok := r[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
