package schema

import "time"

// Row is one normalized row conforming to a Table. Values are keyed by
// destination column name and hold Go types matching the column Kind
// (string, int64, float64, bool, time.Time) or nil for absent nullable
// columns. A Row is immutable once produced by the normalizer.
type Row struct {
	// Values keyed by column name.
	Values map[string]any

	// ExtractedAt is the extraction timestamp used for duplicate-key
	// tie-breaks. Typically the source record's own modification time, or
	// the fetch time when the source carries none.
	ExtractedAt time.Time

	// Version is the Table.Version the row was built against.
	Version uint64
}

// Value returns the value for column name (nil when absent).
func (r Row) Value(name string) any { return r.Values[name] }
