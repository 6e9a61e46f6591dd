// Package run orchestrates one end-to-end sync: extract, normalize,
// validate, plan, load. The coordinator owns no long-lived state; every
// invocation produces a Result, even on failure.
package run

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"crmsync/internal/batch"
	"crmsync/internal/cursor"
	"crmsync/internal/extract"
	"crmsync/internal/load"
	"crmsync/internal/metrics"
	"crmsync/internal/normalize"
	"crmsync/internal/plan"
	"crmsync/internal/schema"
	"crmsync/internal/warehouse"
)

// Status classifies how a run ended.
type Status string

const (
	// StatusSucceeded means every extracted record was loaded.
	StatusSucceeded Status = "succeeded"

	// StatusPartial means the run wrote to the warehouse but some records
	// were rejected, failed to load, or the extractor stopped early.
	StatusPartial Status = "partial"

	// StatusFailed means the run aborted before any warehouse write.
	StatusFailed Status = "failed"
)

// RejectedRecord ties a per-record rejection to its position in the
// extracted batch.
type RejectedRecord struct {
	Index     int                 `json:"index"`
	Rejection normalize.Rejection `json:"rejection"`
}

// Result summarizes one run.
type Result struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Extracted  int   `json:"extracted"`
	Normalized int   `json:"normalized"`
	Rejected   int   `json:"rejected"`
	Inserted   int64 `json:"inserted"`
	Updated    int64 `json:"updated"`
	Failed     int64 `json:"failed"`

	Rejections []RejectedRecord `json:"rejections,omitempty"`
	Failures   []load.Failure   `json:"failures,omitempty"`

	// Cursor is the extraction cursor after this run.
	Cursor string `json:"cursor,omitempty"`

	// Error carries the fatal or stop-early error, if any.
	Error string `json:"error,omitempty"`
}

// Fatal reports whether the run aborted before touching the warehouse.
func (r *Result) Fatal() bool { return r.Status == StatusFailed }

// Coordinator wires the pipeline stages together for one job. All fields
// except Cursor are required.
type Coordinator struct {
	// Job names the sync job in logs and metrics.
	Job string

	Extractor  extract.Extractor
	Normalizer *normalize.Normalizer
	Validator  *batch.Validator
	Executor   *load.Executor
	Warehouse  warehouse.Warehouse

	// Cursor persists the extraction cursor between runs. Nil means every
	// run starts from the extractor's full lookback.
	Cursor cursor.Store
}

// Run executes one sync and always returns a Result. The error return is
// non-nil only for fatal runs; partial failures live in the Result.
//
// The cursor advances once extraction has completed (fully or up to the
// failed window). A fatal validation error leaves the cursor untouched so
// the same records are re-fetched after the schema or data is fixed.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		Job:       c.Job,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		res.FinishedAt = time.Now().UTC()
		metrics.RecordRuns(c.Job, 1)
		log.Printf("run: job=%s id=%s status=%s extracted=%d rejected=%d inserted=%d updated=%d failed=%d dur=%s",
			c.Job, res.RunID, res.Status, res.Extracted, res.Rejected,
			res.Inserted, res.Updated, res.Failed, res.FinishedAt.Sub(res.StartedAt))
	}()

	cur := ""
	if c.Cursor != nil {
		var err error
		if cur, err = c.Cursor.Load(); err != nil {
			return c.fatal(res, fmt.Errorf("load cursor: %w", err))
		}
	}

	start := time.Now()
	raw, next, extErr := c.Extractor.Fetch(ctx, cur)
	metrics.RecordStep(c.Job, "extract", extErr, time.Since(start))
	if extErr != nil && len(raw) == 0 {
		return c.fatal(res, fmt.Errorf("extract: %w", extErr))
	}
	res.Extracted = len(raw)
	res.Cursor = next
	metrics.RecordRow(c.Job, "extracted", int64(len(raw)))
	if extErr != nil {
		// Partial extraction: load what we have, resume from next cursor.
		res.Error = extErr.Error()
	}

	if len(raw) == 0 {
		// Nothing new since the last run.
		res.Status = StatusSucceeded
		if err := c.saveCursor(res); err != nil {
			return c.fatal(res, err)
		}
		return res, nil
	}

	start = time.Now()
	rows := make([]schema.Row, 0, len(raw))
	for i, rec := range raw {
		row, rej := c.Normalizer.Normalize(rec)
		if rej != nil {
			res.Rejections = append(res.Rejections, RejectedRecord{Index: i, Rejection: *rej})
			continue
		}
		rows = append(rows, row)
	}
	res.Normalized = len(rows)
	res.Rejected = len(res.Rejections)
	metrics.RecordStep(c.Job, "normalize", nil, time.Since(start))
	metrics.RecordRow(c.Job, "rejected", int64(res.Rejected))

	start = time.Now()
	b, verr := c.Validator.Validate(rows)
	if verr != nil {
		metrics.RecordStep(c.Job, "validate", verr, time.Since(start))
		return c.fatal(res, verr)
	}
	metrics.RecordStep(c.Job, "validate", nil, time.Since(start))

	start = time.Now()
	p, err := c.buildPlan(ctx, b)
	metrics.RecordStep(c.Job, "plan", err, time.Since(start))
	if err != nil {
		return c.fatal(res, err)
	}

	start = time.Now()
	lres, err := c.Executor.Execute(ctx, p)
	metrics.RecordStep(c.Job, "load", err, time.Since(start))
	res.Inserted = lres.Inserted
	res.Updated = lres.Updated
	res.Failed = lres.Failed
	res.Failures = lres.Failures
	metrics.RecordRow(c.Job, "inserted", lres.Inserted)
	metrics.RecordRow(c.Job, "updated", lres.Updated)
	metrics.RecordRow(c.Job, "failed", lres.Failed)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}

	if res.Rejected == 0 && res.Failed == 0 && extErr == nil && err == nil {
		res.Status = StatusSucceeded
	} else {
		res.Status = StatusPartial
	}
	if serr := c.saveCursor(res); serr != nil {
		return c.fatal(res, serr)
	}
	return res, nil
}

// buildPlan ensures the target table exists, looks up which keys are
// already present, and builds the upsert plan.
func (c *Coordinator) buildPlan(ctx context.Context, b *batch.Batch) (*plan.Plan, error) {
	if err := c.Warehouse.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure table: %w", err)
	}
	keys := batchKeys(b)
	existing, err := c.Warehouse.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	return plan.Build(b, existing), nil
}

// batchKeys returns the distinct primary keys of a validated batch.
func batchKeys(b *batch.Batch) []schema.Key {
	seen := make(map[uint64]struct{}, len(b.Rows))
	keys := make([]schema.Key, 0, len(b.Rows))
	for _, row := range b.Rows {
		k := b.Table.KeyOf(row)
		if _, ok := seen[k.Fingerprint]; ok {
			continue
		}
		seen[k.Fingerprint] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

func (c *Coordinator) saveCursor(res *Result) error {
	if c.Cursor == nil || res.Cursor == "" {
		return nil
	}
	if err := c.Cursor.Save(res.Cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (c *Coordinator) fatal(res *Result, err error) (*Result, error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	return res, err
}
