// Package mssql implements the warehouse contract on SQL Server via
// database/sql and go-mssqldb. Upserts use a per-row MERGE keyed on the
// table's primary key.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

func init() {
	warehouse.Register("mssql", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is the SQL Server-backed warehouse.
type Repository struct {
	db        *sql.DB
	table     *schema.Table
	upsertSQL string
}

// NewRepository opens a connection pool using a sqlserver:// DSN.
func NewRepository(ctx context.Context, cfg warehouse.Config) (*Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	return &Repository{
		db:        db,
		table:     cfg.Table,
		upsertSQL: buildMergeSQL(cfg.Table),
	}, nil
}

// Close closes the pool.
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

		where := warehouse.KeyWhere(keyCols, len(chunk), ident, func(i int) string {
			return fmt.Sprintf("@p%d", i)
		})
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(mapIdent(keyCols), ", "), fqn(r.table.Name), where)

		rows, err := r.db.QueryContext(ctx, query, warehouse.KeyArgs(chunk)...)
		if err != nil {
			return nil, classify(fmt.Errorf("mssql: existing keys: %w", err))
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
			return warehouse.Permanent(fmt.Errorf("mssql: scan: %w", err))
		}
		fp, err := warehouse.FingerprintScanned(t, vals)
		if err != nil {
			return warehouse.Permanent(err)
		}
		out[fp] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Apply upserts one row.
func (r *Repository) Apply(ctx context.Context, op plan.Op) error {
	if _, err := r.db.ExecContext(ctx, r.upsertSQL, rowArgs(r.table, op.Row)...); err != nil {
		return classify(fmt.Errorf("mssql: merge: %w", err))
	}
	return nil
}

// ApplyBatch applies the whole plan in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, p *plan.Plan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return warehouse.Transient(fmt.Errorf("mssql: begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range p.Ops {
		if _, err := tx.ExecContext(ctx, r.upsertSQL, rowArgs(r.table, op.Row)...); err != nil {
			return classify(fmt.Errorf("mssql: key %v: %w", op.Key.Values, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return warehouse.Transient(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

// EnsureTable creates the target table when absent.
func (r *Repository) EnsureTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(r.table)); err != nil {
		return classify(fmt.Errorf("mssql: create table: %w", err))
	}
	return nil
}

var _ warehouse.TxApplier = (*Repository)(nil)

// buildMergeSQL renders the per-row MERGE. The source row arrives as one
// SELECT of named parameters so both branches can reference it.
func buildMergeSQL(t *schema.Table) string {
	cols := t.ColumnNames()

	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = fmt.Sprintf("@p%d AS %s", i+1, ident(c))
	}

	keySet := make(map[string]struct{}, len(t.KeyColumns))
	on := make([]string, len(t.KeyColumns))
	for i, k := range t.KeyColumns {
		keySet[k] = struct{}{}
		on[i] = fmt.Sprintf("T.%s = S.%s", ident(k), ident(k))
	}

	var updates []string
	for _, c := range cols {
		if _, isKey := keySet[c]; isKey {
			continue
		}
		updates = append(updates, fmt.Sprintf("T.%s = S.%s", ident(c), ident(c)))
	}

	insertCols := strings.Join(mapIdent(cols), ", ")
	insertVals := make([]string, len(cols))
	for i, c := range cols {
		insertVals[i] = "S." + ident(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s AS T USING (SELECT %s) AS S ON (%s)",
		fqn(t.Name), strings.Join(sel, ", "), strings.Join(on, " AND "))
	if len(updates) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(updates, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		insertCols, strings.Join(insertVals, ", "))
	return b.String()
}

func buildCreateSQL(t *schema.Table) string {
	keySet := make(map[string]struct{}, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		keySet[k] = struct{}{}
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		_, isKey := keySet[c.Name]
		def := ident(c.Name) + " " + sqlType(c.Type, isKey)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(t.KeyColumns), ", ")))

	// No CREATE TABLE IF NOT EXISTS in T-SQL; guard on OBJECT_ID.
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (\n  %s\n)",
		strings.ReplaceAll(t.Name, "'", "''"), fqn(t.Name), strings.Join(defs, ",\n  "))
}

func sqlType(k schema.Kind, isKey bool) string {
	switch k {
	case schema.KindInt:
		return "BIGINT"
	case schema.KindFloat:
		return "FLOAT"
	case schema.KindBool:
		return "BIT"
	case schema.KindTimestamp:
		return "DATETIME2"
	default:
		if isKey {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func rowArgs(t *schema.Table, row schema.Row) []any {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = row.Values[c.Name]
	}
	return out
}

// classify maps driver errors onto fault classes: deadlocks retry,
// constraint violations do not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me mssql.Error
	if errors.As(err, &me) {
		switch me.Number {
		case 1205: // deadlock victim
			return warehouse.Transient(err)
		default:
			return warehouse.Permanent(err)
		}
	}
	if warehouse.IsTransient(err) {
		return warehouse.Transient(err)
	}
	return warehouse.Permanent(err)
}

func ident(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }

func fqn(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = ident(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
