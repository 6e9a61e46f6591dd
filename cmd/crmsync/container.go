package main

import (
	"context"
	"fmt"
	"time"

	"crmsync/internal/batch"
	"crmsync/internal/config"
	"crmsync/internal/cursor"
	"crmsync/internal/extract"
	"crmsync/internal/load"
	"crmsync/internal/normalize"
	"crmsync/internal/run"
	"crmsync/internal/warehouse"
)

// buildCoordinator assembles the pipeline for one job config. The returned
// close function releases the warehouse connection.
func buildCoordinator(ctx context.Context, j *config.Job) (*run.Coordinator, func(), error) {
	table := j.Schema
	if err := table.Normalize(); err != nil {
		return nil, nil, fmt.Errorf("schema: %w", err)
	}

	ext, err := extract.New(extract.Config{
		Endpoint:     j.Extract.Endpoint,
		Token:        j.Extract.Token,
		Limit:        j.Extract.Limit,
		WindowHours:  j.Extract.WindowHours,
		LookbackDays: j.Extract.LookbackDays,
	})
	if err != nil {
		return nil, nil, err
	}

	wh, err := warehouse.New(ctx, warehouse.Config{
		Kind:  j.Warehouse.Kind,
		DSN:   j.Warehouse.DSN,
		Table: &table,
	})
	if err != nil {
		return nil, nil, err
	}

	coord := &run.Coordinator{
		Job:       j.Job,
		Extractor: ext,
		Normalizer: &normalize.Normalizer{
			Table:             &table,
			ExtractedAtColumn: j.Normalize.ExtractedAtColumn,
		},
		Validator: &batch.Validator{
			Table:             &table,
			ResolveDuplicates: j.Normalize.ResolveDuplicates,
		},
		Executor: &load.Executor{
			Warehouse:      wh,
			RetryLimit:     j.Load.RetryLimit,
			InitialBackoff: time.Duration(j.Load.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(j.Load.MaxBackoffMS) * time.Millisecond,
			Workers:        j.Load.Workers,
			Transactional:  j.Load.Transactional,
		},
		Warehouse: wh,
	}
	if j.CursorPath != "" {
		coord.Cursor = &cursor.FileStore{Path: j.CursorPath}
	}

	return coord, wh.Close, nil
}
