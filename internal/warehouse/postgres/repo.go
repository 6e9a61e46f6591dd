// Package postgres implements the warehouse contract on Postgres using
// pgx v5. Upserts are single-statement INSERT ... ON CONFLICT DO UPDATE,
// which is what makes re-applying a plan harmless.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

func init() {
	warehouse.Register("postgres", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is the Postgres-backed warehouse.
type Repository struct {
	pool      *pgxpool.Pool
	table     *schema.Table
	upsertSQL string
}

// NewRepository opens a pgx pool and precomputes the upsert statement.
func NewRepository(ctx context.Context, cfg warehouse.Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &Repository{
		pool:      pool,
		table:     cfg.Table,
		upsertSQL: buildUpsertSQL(cfg.Table),
	}, nil
}

// Close releases the pool.
func (r *Repository) Close() { r.pool.Close() }

// ExistingKeys looks up which of keys are present, chunked to bound
// statement size.
func (r *Repository) ExistingKeys(ctx context.Context, keys []schema.Key) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{}, len(keys))
	keyCols := r.table.KeyColumns

	for start := 0; start < len(keys); start += warehouse.KeyChunkSize {
		end := start + warehouse.KeyChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		where := warehouse.KeyWhere(keyCols, len(chunk), pgIdent, func(i int) string {
			return fmt.Sprintf("$%d", i)
		})
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(mapIdent(keyCols), ", "), pgFQN(r.table.Name), where)

		rows, err := r.pool.Query(ctx, query, warehouse.KeyArgs(chunk)...)
		if err != nil {
			return nil, classify(fmt.Errorf("existing keys: %w", err))
		}
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, classify(err)
			}
			fp, err := warehouse.FingerprintScanned(r.table, vals)
			if err != nil {
				rows.Close()
				return nil, warehouse.Permanent(err)
			}
			out[fp] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify(err)
		}
	}
	return out, nil
}

// Apply upserts one row.
func (r *Repository) Apply(ctx context.Context, op plan.Op) error {
	if _, err := r.pool.Exec(ctx, r.upsertSQL, rowArgs(r.table, op.Row)...); err != nil {
		return classify(fmt.Errorf("upsert: %w", err))
	}
	return nil
}

// ApplyBatch applies the whole plan in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, p *plan.Plan) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, op := range p.Ops {
		if _, err := tx.Exec(ctx, r.upsertSQL, rowArgs(r.table, op.Row)...); err != nil {
			return classify(fmt.Errorf("upsert key %v: %w", op.Key.Values, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// EnsureTable creates the target table when absent.
func (r *Repository) EnsureTable(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, buildCreateSQL(r.table)); err != nil {
		return classify(fmt.Errorf("create table: %w", err))
	}
	return nil
}

var _ warehouse.TxApplier = (*Repository)(nil)

// buildUpsertSQL renders INSERT ... ON CONFLICT (keys) DO UPDATE SET
// non-key = EXCLUDED.non-key. With no non-key columns it degrades to
// DO NOTHING.
func buildUpsertSQL(t *schema.Table) string {
	cols := t.ColumnNames()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
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
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		pgFQN(t.Name),
		strings.Join(mapIdent(cols), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(mapIdent(t.KeyColumns), ", "),
		conflict)
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS from the schema.
func buildCreateSQL(t *schema.Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := pgIdent(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(t.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", pgFQN(t.Name), strings.Join(defs, ",\n  "))
}

func sqlType(k schema.Kind) string {
	switch k {
	case schema.KindInt:
		return "BIGINT"
	case schema.KindFloat:
		return "DOUBLE PRECISION"
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// rowArgs orders a row's values to match the table's column order.
func rowArgs(t *schema.Table, row schema.Row) []any {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = row.Values[c.Name]
	}
	return out
}

// classify maps pgx errors onto transient/permanent faults. Connection
// (08xxx), resource (53xxx), and serialization (40001/40P01) states are
// retryable; integrity (23xxx), data (22xxx), and syntax (42xxx) states
// are not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
			code == "40001", code == "40P01", code == "57014":
			return warehouse.Transient(err)
		default:
			return warehouse.Permanent(err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return warehouse.Permanent(err)
	}
	if warehouse.IsTransient(err) {
		return warehouse.Transient(err)
	}
	return warehouse.Permanent(err)
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "analytics.activity"
// to "analytics"."activity".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
