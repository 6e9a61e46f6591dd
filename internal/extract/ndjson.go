package extract

import (
	"encoding/json"
	"fmt"
	"io"

	"crmsync/pkg/records"
)

// DecodeNDJSON reads newline-delimited JSON objects from r and returns them
// as records. It tolerates blank lines and skips non-object top-level values
// rather than failing the stream; a decode error aborts with the records
// read so far.
//
// Numeric values decode as json.Number-free float64s on purpose: the
// normalizer owns type decisions, this layer just carries values.
func DecodeNDJSON(r io.Reader) ([]records.Record, error) {
	dec := json.NewDecoder(r)

	var out []records.Record
	for {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("extract: ndjson decode: %w", err)
		}
		if m, ok := raw.(map[string]any); ok {
			out = append(out, records.Record(m))
		}
	}
}
