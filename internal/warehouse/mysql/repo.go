// Package mysql implements the warehouse contract on MySQL via
// database/sql and go-sql-driver. Upserts use
// INSERT ... ON DUPLICATE KEY UPDATE against the table's primary key.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

func init() {
	warehouse.Register("mysql", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is the MySQL-backed warehouse.
type Repository struct {
	db        *sql.DB
	table     *schema.Table
	upsertSQL string
}

// NewRepository opens a connection pool using a go-sql-driver DSN, e.g.
// "user:pass@tcp(host:3306)/analytics?parseTime=true".
func NewRepository(ctx context.Context, cfg warehouse.Config) (*Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	return &Repository{
		db:        db,
		table:     cfg.Table,
		upsertSQL: buildUpsertSQL(cfg.Table),
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

		where := warehouse.KeyWhere(keyCols, len(chunk), ident, func(int) string { return "?" })
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(mapIdent(keyCols), ", "), ident(r.table.Name), where)

		rows, err := r.db.QueryContext(ctx, query, warehouse.KeyArgs(chunk)...)
		if err != nil {
			return nil, classify(fmt.Errorf("mysql: existing keys: %w", err))
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
			return warehouse.Permanent(fmt.Errorf("mysql: scan: %w", err))
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
		return classify(fmt.Errorf("mysql: upsert: %w", err))
	}
	return nil
}

// ApplyBatch applies the whole plan in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, p *plan.Plan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return warehouse.Transient(fmt.Errorf("mysql: begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.upsertSQL)
	if err != nil {
		return warehouse.Permanent(fmt.Errorf("mysql: prepare: %w", err))
	}
	defer stmt.Close()

	for _, op := range p.Ops {
		if _, err := stmt.ExecContext(ctx, rowArgs(r.table, op.Row)...); err != nil {
			return classify(fmt.Errorf("mysql: key %v: %w", op.Key.Values, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return warehouse.Transient(fmt.Errorf("mysql: commit: %w", err))
	}
	return nil
}

// EnsureTable creates the target table when absent.
func (r *Repository) EnsureTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(r.table)); err != nil {
		return classify(fmt.Errorf("mysql: create table: %w", err))
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
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", ident(c), ident(c)))
	}
	if len(updates) == 0 {
		// Key-only table: overwrite a key column with itself so the
		// statement stays a no-op on conflict.
		k := t.KeyColumns[0]
		updates = append(updates, fmt.Sprintf("%s = %s", ident(k), ident(k)))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		ident(t.Name),
		strings.Join(mapIdent(cols), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))
}

func buildCreateSQL(t *schema.Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	keySet := make(map[string]struct{}, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		keySet[k] = struct{}{}
	}
	for _, c := range t.Columns {
		_, isKey := keySet[c.Name]
		def := ident(c.Name) + " " + sqlType(c.Type, isKey)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(t.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", ident(t.Name), strings.Join(defs, ",\n  "))
}

func sqlType(k schema.Kind, isKey bool) string {
	switch k {
	case schema.KindInt:
		return "BIGINT"
	case schema.KindFloat:
		return "DOUBLE"
	case schema.KindBool:
		return "TINYINT(1)"
	case schema.KindTimestamp:
		return "DATETIME(6)"
	default:
		// TEXT cannot be part of a MySQL primary key; key columns get a
		// bounded VARCHAR instead.
		if isKey {
			return "VARCHAR(255)"
		}
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

// classify maps driver errors onto fault classes: deadlocks and lock
// timeouts retry, integrity and data errors do not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1205, 1213: // lock wait timeout, deadlock
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

func ident(id string) string {
	parts := strings.Split(id, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
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
