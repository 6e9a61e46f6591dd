// Package warehouse defines the storage-agnostic contract for the analytical
// store and a factory keyed by backend kind. Backend packages (postgres,
// mysql, mssql, sqlite) register themselves at init time; callers open a
// Warehouse through New and stay backend-agnostic from then on.
package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
)

// Config holds the parameters common to all backends.
type Config struct {
	// Kind selects the backend ("postgres", "mysql", "mssql", "sqlite").
	Kind string

	// DSN is the backend connection string.
	DSN string

	// Table is the target schema; backends derive column order, key
	// columns, and DDL from it.
	Table *schema.Table
}

// Warehouse is the contract the load executor writes through. Apply must be
// an idempotent upsert: re-applying the same op leaves the table unchanged.
type Warehouse interface {
	// ExistingKeys reports which of the given primary keys are already
	// present in the target table, as a set of key fingerprints.
	ExistingKeys(ctx context.Context, keys []schema.Key) (map[uint64]struct{}, error)

	// Apply upserts one planned row. Errors should be wrapped with
	// Transient or Permanent so the executor can decide whether to retry.
	Apply(ctx context.Context, op plan.Op) error

	// EnsureTable creates the target table when absent.
	EnsureTable(ctx context.Context) error

	// Close releases the connection/session. Safe to call after errors.
	Close()
}

// TxApplier is an optional extension for backends that can apply a whole
// plan inside one transaction. The executor prefers it when configured for
// transactional batches.
type TxApplier interface {
	ApplyBatch(ctx context.Context, p *plan.Plan) error
}

// Factory opens a concrete backend.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind. Called from backend
// packages' init functions; tests may override.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New opens the backend selected by cfg.Kind.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported warehouse.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered backend kinds, sorted.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
