// Package sqlite implements the warehouse contract on SQLite via
// database/sql and the modernc driver. It is the zero-infrastructure
// backend: local runs and the loader's integration-style tests use it.
//
// SQLite has no timestamp type; timestamps are stored as RFC3339Nano TEXT
// and booleans as 0/1 INTEGER. The shared key-fingerprint helper undoes
// both on read so key identity matches the other backends.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

func init() {
	warehouse.Register("sqlite", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is the SQLite-backed warehouse.
type Repository struct {
	db        *sql.DB
	table     *schema.Table
	upsertSQL string
}

// NewRepository opens the database file named by the DSN, e.g. "crmsync.db"
// or "file:crmsync.db?cache=shared".
func NewRepository(ctx context.Context, cfg warehouse.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	return &Repository{
		db:        db,
		table:     cfg.Table,
		upsertSQL: buildUpsertSQL(cfg.Table),
	}, nil
}

// Close closes the database handle.
func (r *Repository) Close() { _ = r.db.Close() }

// ExistingKeys reports which keys are present in the target table.
func (r *Repository) ExistingKeys(ctx context.Context, keys []schema.Key) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{}, len(keys))
	keyCols := r.table.KeyColumns

	for start := 0; start < len(keys); start += warehouse.KeyChunkSize {
		end := start + warehouse.KeyChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		where := warehouse.KeyWhere(keyCols, len(chunk), ident, func(int) string { return "?" })
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(mapIdent(keyCols), ", "), ident(r.table.Name), where)

		rows, err := r.db.QueryContext(ctx, query, driverArgs(warehouse.KeyArgs(chunk))...)
		if err != nil {
			return nil, warehouse.Permanent(fmt.Errorf("sqlite: existing keys: %w", err))
		}
		if err := scanFingerprints(rows, r.table, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanFingerprints(rows *sql.Rows, t *schema.Table, out map[uint64]struct{}) error {
	defer rows.Close()
	n := len(t.KeyColumns)
	for rows.Next() {
		vals := make([]any, n)
		ptrs := make([]any, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return warehouse.Permanent(fmt.Errorf("sqlite: scan: %w", err))
		}
		fp, err := warehouse.FingerprintScanned(t, vals)
		if err != nil {
			return warehouse.Permanent(err)
		}
		out[fp] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return warehouse.Permanent(err)
	}
	return nil
}

// Apply upserts one row.
func (r *Repository) Apply(ctx context.Context, op plan.Op) error {
	args := driverArgs(rowArgs(r.table, op.Row))
	if _, err := r.db.ExecContext(ctx, r.upsertSQL, args...); err != nil {
		return classify(err)
	}
	return nil
}

// ApplyBatch applies the whole plan in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, p *plan.Plan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return warehouse.Transient(fmt.Errorf("sqlite: begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.upsertSQL)
	if err != nil {
		return warehouse.Permanent(fmt.Errorf("sqlite: prepare: %w", err))
	}
	defer stmt.Close()

	for _, op := range p.Ops {
		if _, err := stmt.ExecContext(ctx, driverArgs(rowArgs(r.table, op.Row))...); err != nil {
			return classify(fmt.Errorf("key %v: %w", op.Key.Values, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return warehouse.Transient(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

// EnsureTable creates the target table when absent.
func (r *Repository) EnsureTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(r.table)); err != nil {
		return warehouse.Permanent(fmt.Errorf("sqlite: create table: %w", err))
	}
	return nil
}

var _ warehouse.TxApplier = (*Repository)(nil)

func buildUpsertSQL(t *schema.Table) string {
	cols := t.ColumnNames()
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	keySet := make(map[string]struct{}, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		keySet[k] = struct{}{}
	}
	var updates []string
	for _, c := range cols {
		if _, isKey := keySet[c]; isKey {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", ident(c), ident(c)))
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		ident(t.Name),
		strings.Join(mapIdent(cols), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(mapIdent(t.KeyColumns), ", "),
		conflict)
}

func buildCreateSQL(t *schema.Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := ident(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(t.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", ident(t.Name), strings.Join(defs, ",\n  "))
}

func sqlType(k schema.Kind) string {
	switch k {
	case schema.KindInt, schema.KindBool:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	default:
		// Timestamps stored as RFC3339Nano text.
		return "TEXT"
	}
}

func rowArgs(t *schema.Table, row schema.Row) []any {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = row.Values[c.Name]
	}
	return out
}

// driverArgs maps Go values onto SQLite storage types: time.Time to
// RFC3339Nano text, bool to 0/1.
func driverArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch t := a.(type) {
		case time.Time:
			out[i] = t.UTC().Format(time.RFC3339Nano)
		case bool:
			if t {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		default:
			out[i] = a
		}
	}
	return out
}

// classify maps sqlite errors onto fault classes. SQLITE_BUSY/LOCKED show
// up as "database is locked" text through this driver; they are the only
// retryable states a single-writer pipeline should hit.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return warehouse.Transient(err)
	}
	return warehouse.Permanent(err)
}

func ident(id string) string {
	// SQLite has no schema qualification worth preserving; quote the last
	// path segment of a dotted name.
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		id = id[i+1:]
	}
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
