package mysql

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

func testTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl := &schema.Table{
		Name: "activity",
		Columns: []schema.Column{
			{Name: "id", Type: schema.KindString, Required: true},
			{Name: "amount", Type: schema.KindFloat},
			{Name: "done", Type: schema.KindBool},
			{Name: "updated_at", Type: schema.KindTimestamp, Required: true},
		},
		KeyColumns: []string{"id"},
	}
	if err := tbl.Normalize(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return tbl
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	got := buildUpsertSQL(testTable(t))
	want := "INSERT INTO `activity` (`id`, `amount`, `done`, `updated_at`) " +
		"VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE " +
		"`amount` = VALUES(`amount`), `done` = VALUES(`done`), `updated_at` = VALUES(`updated_at`)"
	if got != want {
		t.Fatalf("upsert SQL:\n got %s\nwant %s", got, want)
	}
}

// MySQL has no DO NOTHING; a key-only table assigns a key to itself.
func TestBuildUpsertSQL_KeyOnly(t *testing.T) {
	t.Parallel()

	tbl := &schema.Table{
		Name:       "seen",
		Columns:    []schema.Column{{Name: "id", Type: schema.KindInt, Required: true}},
		KeyColumns: []string{"id"},
	}
	if err := tbl.Normalize(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	got := buildUpsertSQL(tbl)
	if !strings.HasSuffix(got, "ON DUPLICATE KEY UPDATE `id` = `id`") {
		t.Fatalf("key-only upsert = %q", got)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	got := buildCreateSQL(testTable(t))
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `activity`",
		"`id` VARCHAR(255) NOT NULL",
		"`amount` DOUBLE",
		"`done` TINYINT(1)",
		"`updated_at` DATETIME(6) NOT NULL",
		"PRIMARY KEY (`id`)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("create SQL %q missing %q", got, want)
		}
	}
}

// String columns are TEXT except when part of the key.
func TestSQLType_KeyString(t *testing.T) {
	t.Parallel()

	if got := sqlType(schema.KindString, false); got != "TEXT" {
		t.Fatalf("non-key string = %s", got)
	}
	if got := sqlType(schema.KindString, true); got != "VARCHAR(255)" {
		t.Fatalf("key string = %s", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"lock wait timeout", &mysql.MySQLError{Number: 1205}, true},
		{"deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"duplicate entry", &mysql.MySQLError{Number: 1062}, false},
		{"syntax error", &mysql.MySQLError{Number: 1064}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := warehouse.IsTransient(classify(tc.err)); got != tc.transient {
				t.Fatalf("transient = %v, want %v", got, tc.transient)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}

func TestIdent(t *testing.T) {
	t.Parallel()

	if got := ident("analytics.activity"); got != "`analytics`.`activity`" {
		t.Fatalf("ident = %s", got)
	}
	if got := ident("we`ird"); got != "`we``ird`" {
		t.Fatalf("ident backtick doubling = %s", got)
	}
}
