package schema

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func testTable() *Table {
	return &Table{
		Name: "public.activity",
		Columns: []Column{
			{Name: "id", Type: KindInt, Required: true},
			{Name: "title", Type: KindString},
			{Name: "updated_at", Type: KindTimestamp, Required: true},
		},
		KeyColumns: []string{"id"},
	}
}

func TestTable_Normalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Table)
		wantErr string
	}{
		{name: "valid", mutate: func(*Table) {}},
		{
			name:    "empty table name",
			mutate:  func(tt *Table) { tt.Name = " " },
			wantErr: "table name must not be empty",
		},
		{
			name:    "no columns",
			mutate:  func(tt *Table) { tt.Columns = nil },
			wantErr: "at least one column",
		},
		{
			name:    "no key columns",
			mutate:  func(tt *Table) { tt.KeyColumns = nil },
			wantErr: "at least one key column",
		},
		{
			name: "duplicate column",
			mutate: func(tt *Table) {
				tt.Columns = append(tt.Columns, Column{Name: "title"})
			},
			wantErr: `duplicate column "title"`,
		},
		{
			name:    "unknown key column",
			mutate:  func(tt *Table) { tt.KeyColumns = []string{"nope"} },
			wantErr: `key column "nope" not in columns`,
		},
		{
			name:    "optional key column",
			mutate:  func(tt *Table) { tt.Columns[0].Required = false },
			wantErr: `key column "id" must be required`,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tbl := testTable()
			tc.mutate(tbl)
			err := tbl.Normalize()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Normalize() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Normalize() error = nil, want %q", tc.wantErr)
			}
			if got := err.Error(); !strings.Contains(got, tc.wantErr) {
				t.Fatalf("Normalize() error = %q, want substring %q", got, tc.wantErr)
			}
		})
	}
}

func TestNormalize_CanonicalizesKinds(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Name: "t",
		Columns: []Column{
			{Name: "a", Type: "integer", Required: true},
			{Name: "b", Type: "timestamptz"},
			{Name: "c", Type: "DOUBLE"},
			{Name: "d", Type: "boolean"},
			{Name: "e", Type: "varchar"},
		},
		KeyColumns: []string{"a"},
	}
	if err := tbl.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	want := []Kind{KindInt, KindTimestamp, KindFloat, KindBool, KindString}
	for i, k := range want {
		if got := tbl.Columns[i].Type; got != k {
			t.Fatalf("columns[%d].Type = %q, want %q", i, got, k)
		}
	}
}

func TestTable_ColumnLookup(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	c, ok := tbl.Column("title")
	if !ok || c.Name != "title" {
		t.Fatalf("Column(title) = %#v, %v", c, ok)
	}
	if _, ok := tbl.Column("missing"); ok {
		t.Fatalf("Column(missing) found = true, want false")
	}

	want := []string{"id", "title", "updated_at"}
	if got := tbl.ColumnNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ColumnNames() = %v, want %v", got, want)
	}
}

func TestTable_Version(t *testing.T) {
	t.Parallel()

	a := testTable()
	b := testTable()
	if a.Version() != b.Version() {
		t.Fatalf("identical tables must share a version")
	}

	// Any structural change shifts the version.
	mutations := []func(*Table){
		func(tt *Table) { tt.Name = "other" },
		func(tt *Table) { tt.Columns[1].Type = KindInt },
		func(tt *Table) { tt.Columns[1].Required = true },
		func(tt *Table) { tt.Columns = tt.Columns[:2] },
		func(tt *Table) { tt.KeyColumns = []string{"id", "updated_at"} },
	}
	for i, m := range mutations {
		tbl := testTable()
		m(tbl)
		if tbl.Version() == a.Version() {
			t.Fatalf("mutation %d did not change the version", i)
		}
	}
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	r1 := Row{Values: map[string]any{"id": int64(7), "title": "a", "updated_at": now}}
	r2 := Row{Values: map[string]any{"id": int64(7), "title": "b", "updated_at": now.Add(time.Hour)}}
	r3 := Row{Values: map[string]any{"id": int64(8)}}

	k1 := tbl.KeyOf(r1)
	k2 := tbl.KeyOf(r2)
	if k1.Fingerprint != k2.Fingerprint {
		t.Fatalf("same key values produced different fingerprints: %d vs %d", k1.Fingerprint, k2.Fingerprint)
	}
	if k1.Fingerprint == tbl.KeyOf(r3).Fingerprint {
		t.Fatalf("distinct keys collided")
	}
	if !reflect.DeepEqual(k1.Values, []any{int64(7)}) {
		t.Fatalf("key values = %v, want [7]", k1.Values)
	}
}

// Type tagging keeps int64(1) and "1" apart.
func TestKeyOf_TypeTagged(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Name:       "t",
		Columns:    []Column{{Name: "k", Type: KindString, Required: true}},
		KeyColumns: []string{"k"},
	}
	asInt := tbl.KeyOf(Row{Values: map[string]any{"k": int64(1)}})
	asStr := tbl.KeyOf(Row{Values: map[string]any{"k": "1"}})
	if asInt.Fingerprint == asStr.Fingerprint {
		t.Fatalf("int64(1) and \"1\" must not share a fingerprint")
	}
}

func TestKeyOf_CompositeOrder(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Name: "t",
		Columns: []Column{
			{Name: "a", Type: KindString, Required: true},
			{Name: "b", Type: KindString, Required: true},
		},
		KeyColumns: []string{"a", "b"},
	}
	ab := tbl.KeyOf(Row{Values: map[string]any{"a": "x", "b": "y"}})
	ba := tbl.KeyOf(Row{Values: map[string]any{"a": "y", "b": "x"}})
	if ab.Fingerprint == ba.Fingerprint {
		t.Fatalf("swapped composite key values must not collide")
	}
	if !reflect.DeepEqual(ab.Values, []any{"x", "y"}) {
		t.Fatalf("composite key values = %v, want [x y]", ab.Values)
	}
}
