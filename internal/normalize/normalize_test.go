package normalize

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"crmsync/internal/schema"
	"crmsync/pkg/records"
)

func testTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl := &schema.Table{
		Name: "public.activity",
		Columns: []schema.Column{
			{Name: "id", Type: schema.KindInt, Required: true},
			{Name: "title", Type: schema.KindString, Aliases: []string{"name"}},
			{Name: "score", Type: schema.KindFloat},
			{Name: "done", Type: schema.KindBool, Default: false},
			{Name: "updated_at", Type: schema.KindTimestamp, Required: true},
		},
		KeyColumns: []string{"id"},
	}
	if err := tbl.Normalize(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return tbl
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestNormalize_Basic(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	row, rej := n.Normalize(records.Record{
		"id":         float64(7), // JSON numbers decode to float64
		"title":      "call client",
		"score":      "3.5",
		"done":       "sim",
		"updated_at": "2025-05-30T09:15:00Z",
	})
	if rej != nil {
		t.Fatalf("Normalize() rejection = %v, want nil", rej)
	}

	want := map[string]any{
		"id":         int64(7),
		"title":      "call client",
		"score":      3.5,
		"done":       true,
		"updated_at": time.Date(2025, 5, 30, 9, 15, 0, 0, time.UTC),
	}
	if !reflect.DeepEqual(row.Values, want) {
		t.Fatalf("row.Values = %#v, want %#v", row.Values, want)
	}
	if row.Version != n.Table.Version() {
		t.Fatalf("row.Version = %d, want table version %d", row.Version, n.Table.Version())
	}
	if !row.ExtractedAt.Equal(fixedNow()) {
		t.Fatalf("row.ExtractedAt = %v, want clock value", row.ExtractedAt)
	}
}

func TestNormalize_AliasAndDefault(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	row, rej := n.Normalize(records.Record{
		"id":         "12",
		"name":       "renamed upstream field",
		"updated_at": "2025-05-30 09:15:00",
	})
	if rej != nil {
		t.Fatalf("Normalize() rejection = %v, want nil", rej)
	}
	if got := row.Values["title"]; got != "renamed upstream field" {
		t.Fatalf("title via alias = %v", got)
	}
	if got := row.Values["done"]; got != false {
		t.Fatalf("done default = %v, want false", got)
	}
	if row.Values["score"] != nil {
		t.Fatalf("optional absent column = %v, want nil", row.Values["score"])
	}
}

func TestNormalize_MissingRequired(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	_, rej := n.Normalize(records.Record{
		"title":      "no id",
		"updated_at": "2025-05-30T09:15:00Z",
	})
	if rej == nil {
		t.Fatalf("Normalize() rejection = nil, want missing_required")
	}
	if rej.Field != "id" || rej.Reason != MissingRequired {
		t.Fatalf("rejection = %+v, want id/missing_required", rej)
	}
}

// Blank strings count as absent so API fields that arrive as "" fall
// through to defaults rather than failing coercion.
func TestNormalize_EmptyStringIsAbsent(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	_, rej := n.Normalize(records.Record{
		"id":         "",
		"updated_at": "2025-05-30T09:15:00Z",
	})
	if rej == nil || rej.Reason != MissingRequired {
		t.Fatalf("rejection = %+v, want missing_required for blank id", rej)
	}
}

func TestNormalize_TypeMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rec   records.Record
		field string
	}{
		{
			name:  "non-numeric int",
			rec:   records.Record{"id": "abc", "updated_at": "2025-05-30T09:15:00Z"},
			field: "id",
		},
		{
			name:  "fractional int",
			rec:   records.Record{"id": 1.5, "updated_at": "2025-05-30T09:15:00Z"},
			field: "id",
		},
		{
			name:  "unparseable timestamp",
			rec:   records.Record{"id": 1, "updated_at": "yesterday-ish"},
			field: "updated_at",
		},
		{
			name:  "unrecognized bool",
			rec:   records.Record{"id": 1, "done": "maybe", "updated_at": "2025-05-30T09:15:00Z"},
			field: "done",
		},
	}

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, rej := n.Normalize(tc.rec)
			if rej == nil {
				t.Fatalf("Normalize() rejection = nil, want type_mismatch")
			}
			if rej.Field != tc.field || rej.Reason != TypeMismatch {
				t.Fatalf("rejection = %+v, want %s/type_mismatch", rej, tc.field)
			}
		})
	}
}

func TestNormalize_TimestampShapes(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	shapes := map[string]any{
		"rfc3339":      "2025-05-30T09:15:00Z",
		"rfc3339 nano": "2025-05-30T09:15:00.123456789Z",
		"no zone":      "2025-05-30T09:15:00",
		"space":        "2025-05-30 09:15:00",
		"date only":    "2025-05-30",
		"epoch":        float64(1748596500),
	}
	for name, v := range shapes {
		row, rej := n.Normalize(records.Record{"id": 1, "updated_at": v})
		if rej != nil {
			t.Fatalf("%s: rejection = %v, want nil", name, rej)
		}
		if _, ok := row.Values["updated_at"].(time.Time); !ok {
			t.Fatalf("%s: updated_at = %T, want time.Time", name, row.Values["updated_at"])
		}
	}
}

func TestNormalize_ExtractedAtColumn(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), ExtractedAtColumn: "updated_at", Now: fixedNow}
	row, rej := n.Normalize(records.Record{"id": 1, "updated_at": "2025-05-30T09:15:00Z"})
	if rej != nil {
		t.Fatalf("rejection = %v", rej)
	}
	want := time.Date(2025, 5, 30, 9, 15, 0, 0, time.UTC)
	if !row.ExtractedAt.Equal(want) {
		t.Fatalf("ExtractedAt = %v, want column value %v", row.ExtractedAt, want)
	}
}

func TestNormalize_NestedObjects(t *testing.T) {
	t.Parallel()

	tbl := &schema.Table{
		Name: "t",
		Columns: []schema.Column{
			{Name: "id", Type: schema.KindInt, Required: true},
			{Name: "responsible_name", Type: schema.KindString},
			{Name: "account_name", Type: schema.KindString},
		},
		KeyColumns: []string{"id"},
	}
	if err := tbl.Normalize(); err != nil {
		t.Fatalf("schema: %v", err)
	}

	n := &Normalizer{Table: tbl, Now: fixedNow}
	row, rej := n.Normalize(records.Record{
		"id":          1,
		"responsible": map[string]any{"name": "Ana", "id": 3},
		"account":     map[string]any{"name": "Acme"},
	})
	if rej != nil {
		t.Fatalf("rejection = %v", rej)
	}
	if row.Values["responsible_name"] != "Ana" || row.Values["account_name"] != "Acme" {
		t.Fatalf("flattened values = %#v", row.Values)
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	in := records.Record{
		"id":     1,
		"person": map[string]any{"Nome Completo": "Ana", "id": 7},
	}
	out := Flatten(in)

	if out["id"] != 1 {
		t.Fatalf("scalar passthrough lost: %v", out["id"])
	}
	if out["person_nome_completo"] != "Ana" || out["person_id"] != 7 {
		t.Fatalf("flattened record = %#v", out)
	}
	if _, still := in["person_id"]; still {
		t.Fatalf("Flatten modified its input")
	}
}

func TestFieldSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Descrição", "descricao"},
		{"Nome Completo", "nome_completo"},
		{"start-date.time", "start_date_time"},
		{"  Já_ok  ", "ja_ok"},
		{"___", "field"},
		{"片仮名", "field"},
		{"Count2", "count2"},
	}
	for _, tc := range tests {
		if got := FieldSlug(tc.in); got != tc.want {
			t.Fatalf("FieldSlug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// Normalization is total: arbitrary junk either becomes a row or a typed
// rejection, never a panic.
func TestNormalize_Totality(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Table: testTable(t), Now: fixedNow}
	junk := []records.Record{
		nil,
		{},
		{"id": []any{1, 2}},
		{"id": map[string]any{"deep": map[string]any{"deeper": 1}}},
		{"id": 1, "updated_at": []any{"2025"}},
	}
	for i, rec := range junk {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("record %d: Normalize panicked: %v", i, r)
				}
			}()
			row, rej := n.Normalize(rec)
			if rej == nil && row.Values == nil {
				t.Fatalf("record %d: neither row nor rejection", i)
			}
		}()
	}
}

func TestRejection_Error(t *testing.T) {
	t.Parallel()

	r := &Rejection{Field: "id", Reason: TypeMismatch, Detail: `"abc" not an int`}
	if got := r.Error(); !strings.Contains(got, "id") || !strings.Contains(got, string(TypeMismatch)) {
		t.Fatalf("Error() = %q", got)
	}
}
