// Package load applies an upsert plan to the warehouse and reports per-row
// outcomes.
//
// Two execution modes exist. When the backend supports transactions and the
// executor is configured for them, the whole plan is applied atomically.
// Otherwise rows are applied independently with fail-soft semantics: one bad
// row never blocks the rest of the batch, and each failing row is retried a
// bounded number of times with exponential backoff, but only for transient
// faults. Because every apply is an idempotent upsert, re-executing the same
// plan (after a crash, a redelivery, or a partial failure) converges to the
// same warehouse state.
package load

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crmsync/internal/plan"
	"crmsync/internal/warehouse"
)

// Failure records one row that could not be applied.
type Failure struct {
	Key      []any  `json:"key"`
	Op       string `json:"op"`
	Attempts int    `json:"attempts"`
	// Transient reports the class of the final error; a transient failure
	// here means the retry budget ran out.
	Transient bool   `json:"transient"`
	Err       string `json:"error"`
}

// Result summarizes one plan execution.
type Result struct {
	Inserted int64     `json:"inserted"`
	Updated  int64     `json:"updated"`
	Failed   int64     `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Executor applies plans against one warehouse.
type Executor struct {
	// Warehouse is the open backend for this run.
	Warehouse warehouse.Warehouse

	// RetryLimit is the maximum number of attempts per row (not extra
	// retries); zero means the default of 3.
	RetryLimit int

	// InitialBackoff is the wait before the first retry, doubling up to
	// MaxBackoff. Zero means 200ms / 5s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Workers bounds concurrent per-row applies. Zero or one means
	// sequential. Plan keys are distinct, so concurrent applies touch
	// disjoint rows.
	Workers int

	// Transactional prefers the backend's batch transaction when it offers
	// one; a failure then fails the whole batch rather than single rows.
	Transactional bool

	// sleep is injectable for tests; nil means time.Sleep.
	sleep func(time.Duration)
}

func (e *Executor) retryLimit() int {
	if e.RetryLimit <= 0 {
		return 3
	}
	return e.RetryLimit
}

func (e *Executor) backoffBounds() (time.Duration, time.Duration) {
	initial, max := e.InitialBackoff, e.MaxBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return initial, max
}

// Execute applies p and returns the per-row outcome summary. It always
// returns a Result; the error is non-nil only when the whole batch failed
// (transactional mode) or the context was canceled.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (Result, error) {
	if len(p.Ops) == 0 {
		return Result{}, nil
	}

	if e.Transactional {
		if tx, ok := e.Warehouse.(warehouse.TxApplier); ok {
			return e.executeTx(ctx, tx, p)
		}
		log.Printf("load: backend has no batch transaction support, falling back to per-row")
	}
	return e.executeRows(ctx, p)
}

// executeTx applies the plan atomically, retrying the whole batch on
// transient faults.
func (e *Executor) executeTx(ctx context.Context, tx warehouse.TxApplier, p *plan.Plan) (Result, error) {
	err := e.withRetry(ctx, func() error { return tx.ApplyBatch(ctx, p) })
	if err != nil {
		res := Result{Failed: int64(len(p.Ops))}
		for _, op := range p.Ops {
			res.Failures = append(res.Failures, Failure{
				Key:       op.Key.Values,
				Op:        string(op.Kind),
				Attempts:  e.retryLimit(),
				Transient: warehouse.IsTransient(err),
				Err:       err.Error(),
			})
		}
		return res, fmt.Errorf("load: batch failed: %w", err)
	}
	inserts, updates := p.Counts()
	return Result{Inserted: int64(inserts), Updated: int64(updates)}, nil
}

// executeRows applies rows independently with bounded concurrency.
func (e *Executor) executeRows(ctx context.Context, p *plan.Plan) (Result, error) {
	var (
		inserted atomic.Int64
		updated  atomic.Int64
		mu       sync.Mutex
		failures []Failure
	)

	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	start := time.Now()
	for _, op := range p.Ops {
		op := op
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			attempts, err := e.applyWithRetry(gctx, op)
			if err != nil {
				mu.Lock()
				failures = append(failures, Failure{
					Key:       op.Key.Values,
					Op:        string(op.Kind),
					Attempts:  attempts,
					Transient: warehouse.IsTransient(err),
					Err:       err.Error(),
				})
				mu.Unlock()
				// Fail-soft: record and keep going.
				return nil
			}
			if op.Kind == plan.Insert {
				inserted.Add(1)
			} else {
				updated.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()

	res := Result{
		Inserted: inserted.Load(),
		Updated:  updated.Load(),
		Failed:   int64(len(failures)),
		Failures: failures,
	}
	log.Printf("load: applied inserted=%d updated=%d failed=%d elapsed=%s",
		res.Inserted, res.Updated, res.Failed, time.Since(start).Truncate(time.Millisecond))
	if err != nil {
		return res, fmt.Errorf("load: %w", err)
	}
	return res, nil
}

// applyWithRetry applies one op, retrying transient faults up to the
// attempt budget. It returns the number of attempts made.
func (e *Executor) applyWithRetry(ctx context.Context, op plan.Op) (int, error) {
	attempts := e.retryLimit()
	initial, max := e.backoffBounds()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = e.Warehouse.Apply(ctx, op)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !warehouse.IsTransient(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt+1 >= attempts {
			break
		}
		if err := e.sleepCtx(ctx, backoffDuration(initial, attempt, max)); err != nil {
			return attempt + 1, err
		}
	}
	return attempts, lastErr
}

// withRetry runs fn with the same transient-only retry policy.
func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	attempts := e.retryLimit()
	initial, max := e.backoffBounds()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !warehouse.IsTransient(lastErr) {
			return lastErr
		}
		if attempt+1 >= attempts {
			break
		}
		if err := e.sleepCtx(ctx, backoffDuration(initial, attempt, max)); err != nil {
			return err
		}
	}
	return lastErr
}

// backoffDuration returns initial * 2^attempt clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (e *Executor) sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if e.sleep != nil {
		e.sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
