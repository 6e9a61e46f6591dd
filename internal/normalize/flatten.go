package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"crmsync/pkg/records"
)

// Flatten expands one level of nested objects in rec into prefixed scalar
// fields: {"person": {"id": 7, "name": "Ana"}} becomes person_id=7,
// person_name="Ana". The nested key is slugged so accented or oddly spaced
// upstream names yield stable column-shaped identifiers. Deeper nesting is
// left as-is; the normalizer will reject it if a schema column points at it.
//
// Flatten copies; the input record is not modified.
func Flatten(rec records.Record) records.Record {
	out := make(records.Record, len(rec))
	for k, v := range rec {
		m, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		prefix := FieldSlug(k)
		for ck, cv := range m {
			out[prefix+"_"+FieldSlug(ck)] = cv
		}
	}
	return out
}

// FieldSlug converts arbitrary source field text into a lowercase ASCII
// identifier suitable for SQL schemas:
//  1. lowercase
//  2. strip accents (NFD → remove Mn → NFC)
//  3. keep [a-z0-9_]; convert space/dash/dot to underscore; drop others
//  4. fallback to "field" if nothing survives
func FieldSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			prevUnderscore = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "field"
	}
	return name
}
