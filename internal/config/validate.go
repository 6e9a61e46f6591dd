// Package config provides configuration models and helpers for sync jobs.
//
// This file adds a lightweight linter/validator for Job values. It performs
// static checks over a decoded Job and returns a list of issues (errors and
// warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"

	"crmsync/internal/schema"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Job.
//
// Path is a dotted path into the config (e.g. "warehouse.kind",
// "schema.columns[1].type"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue in the slice is of error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateJob performs static validation / linting of a Job.
//
// It does not mutate the job. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
//
// Example:
//
//	j, err := config.Load("configs/jobs/activity.json")
//	if err != nil { ... }
//	issues := config.ValidateJob(*j)
//	for _, iss := range issues {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func ValidateJob(j Job) []Issue {
	var issues []Issue

	if strings.TrimSpace(j.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateExtract(j.Extract)...)
	issues = append(issues, validateSchema(j.Schema)...)
	issues = append(issues, validateWarehouse(j.Warehouse)...)
	issues = append(issues, validateLoad(j.Load)...)
	issues = append(issues, validateMetrics(j.Metrics)...)

	if j.Normalize.ExtractedAtColumn != "" {
		found := false
		for _, c := range j.Schema.Columns {
			if c.Name == j.Normalize.ExtractedAtColumn {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "normalize.extracted_at_column",
				Message:  fmt.Sprintf("column %q is not declared in schema.columns", j.Normalize.ExtractedAtColumn),
			})
		}
	}

	return issues
}

// validateExtract validates upstream API settings.
func validateExtract(e Extract) []Issue {
	var issues []Issue

	if strings.TrimSpace(e.Endpoint) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "extract.endpoint",
			Message:  "extract.endpoint must not be empty",
		})
	}
	if strings.TrimSpace(e.Token) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "extract.token",
			Message:  "no token in job file or CRMSYNC_API_TOKEN; the API will reject unauthenticated requests",
		})
	}
	if e.Limit < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "extract.limit",
			Message:  "limit must not be negative",
		})
	}
	if e.WindowHours < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "extract.window_hours",
			Message:  "window_hours must not be negative",
		})
	}
	if e.LookbackDays < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "extract.lookback_days",
			Message:  "lookback_days must not be negative",
		})
	}

	return issues
}

// validateSchema performs shallow checks on the table contract. The deep
// structural checks live in schema.Table.Normalize; this catches the obvious
// mistakes before a run starts.
func validateSchema(t schema.Table) []Issue {
	var issues []Issue

	if strings.TrimSpace(t.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "schema.table",
			Message:  "schema.table must not be empty",
		})
	}
	if len(t.Columns) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "schema.columns",
			Message:  "schema.columns must not be empty; at least one destination column is required",
		})
	}
	if len(t.KeyColumns) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "schema.key_columns",
			Message:  "schema.key_columns must not be empty; upserts need a primary key",
		})
	}

	byName := make(map[string]schema.Column, len(t.Columns))
	for i, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("schema.columns[%d].name", i),
				Message:  "column name must not be empty",
			})
			continue
		}
		if _, dup := byName[c.Name]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("schema.columns[%d].name", i),
				Message:  fmt.Sprintf("duplicate column %q", c.Name),
			})
		}
		byName[c.Name] = c
	}

	for _, k := range t.KeyColumns {
		c, ok := byName[k]
		if !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "schema.key_columns",
				Message:  fmt.Sprintf("key column %q is not declared in schema.columns", k),
			})
			continue
		}
		if !c.Required {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "schema.key_columns",
				Message:  fmt.Sprintf("key column %q must be required", k),
			})
		}
	}

	return issues
}

// validateWarehouse validates backend selection and DB settings.
func validateWarehouse(w Warehouse) []Issue {
	var issues []Issue

	if strings.TrimSpace(w.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "warehouse.kind",
			Message:  "warehouse.kind must not be empty",
		})
		return issues
	}

	known := map[string]struct{}{
		"postgres": {},
		"mysql":    {},
		"mssql":    {},
		"sqlite":   {},
	}
	if _, ok := known[w.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "warehouse.kind",
			Message:  fmt.Sprintf("unknown warehouse kind %q; ensure a matching backend is registered", w.Kind),
		})
	}

	if strings.TrimSpace(w.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "warehouse.dsn",
			Message:  "no DSN in job file or CRMSYNC_DSN",
		})
	}

	return issues
}

// validateLoad validates executor tuning for obvious misconfigurations
// (negative values, inverted backoff bounds, etc.).
func validateLoad(l LoadConfig) []Issue {
	var issues []Issue

	if l.RetryLimit < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "load.retry_limit",
			Message:  "retry_limit must not be negative",
		})
	}
	if l.Workers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "load.workers",
			Message:  "workers must not be negative",
		})
	}
	if l.InitialBackoffMS < 0 || l.MaxBackoffMS < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "load.initial_backoff_ms",
			Message:  "backoff bounds must not be negative",
		})
	}
	if l.InitialBackoffMS > 0 && l.MaxBackoffMS > 0 && l.InitialBackoffMS > l.MaxBackoffMS {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "load.max_backoff_ms",
			Message:  fmt.Sprintf("max_backoff_ms=%d is below initial_backoff_ms=%d; retries will not back off", l.MaxBackoffMS, l.InitialBackoffMS),
		})
	}

	return issues
}

// validateMetrics validates metrics backend selection.
func validateMetrics(m Metrics) []Issue {
	var issues []Issue

	if m.Kind == "" || m.Kind == "none" {
		return nil
	}

	switch m.Kind {
	case "prometheus":
		if m.Options.String("gateway_url", "") == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.options.gateway_url",
				Message:  "prometheus backend requires gateway_url (or CRMSYNC_PUSHGATEWAY_URL)",
			})
		}
	case "datadog":
		if m.Options.String("addr", "") == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.options.addr",
				Message:  "datadog backend requires addr",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.kind",
			Message:  fmt.Sprintf("unknown metrics kind %q; ensure a matching backend exists", m.Kind),
		})
	}

	return issues
}
