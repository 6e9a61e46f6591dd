// Package config defines the canonical, JSON-serializable configuration model
// for the sync application. It is intentionally small, explicit, and dependency-
// free so that jobs can be loaded from disk (or other sources) and passed
// through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in job files
//     under configs/jobs/*.json.
//  3. Minimalism: No third-party config libraries; decoding is performed by the
//     standard library, with a light Options helper for typed access.
//
// Example (trimmed):
//
//	{
//	  "job":       "adsim-activity",
//	  "extract":   { "endpoint": "https://api.example.com/crm/activity", "token": "..." },
//	  "schema":    { "table": "public.activity", "columns": [...], "key_columns": ["id"] },
//	  "warehouse": { "kind": "postgres", "dsn": "postgresql://..." },
//	  "metrics":   { "kind": "prometheus", "options": { "gateway_url": "http://pushgateway:9091" } }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"crmsync/internal/schema"
)

// Job describes one full sync job in JSON. It is the top-level object
// decoded from a job file (e.g., configs/jobs/*.json).
type Job struct {
	// Job names the sync job; used for metrics labeling and run summaries.
	Job string `json:"job"`

	// Extract configures the upstream CRM API extraction.
	Extract Extract `json:"extract"`

	// Schema is the destination table contract: columns, semantic types,
	// required flags, defaults, aliases, and key columns.
	Schema schema.Table `json:"schema"`

	// Warehouse describes where normalized records are upserted.
	Warehouse Warehouse `json:"warehouse"`

	// Normalize tunes the record normalizer.
	Normalize Normalize `json:"normalize"`

	// Load tunes the load executor: retries, backoff, concurrency.
	Load LoadConfig `json:"load"`

	// Metrics selects the metrics backend, if any.
	Metrics Metrics `json:"metrics"`

	// Schedule is a cron expression for timer-driven runs. Empty disables
	// the internal scheduler.
	Schedule string `json:"schedule"`

	// CursorPath is where the extraction cursor is persisted between runs.
	// Empty means every run starts from the extractor's full lookback.
	CursorPath string `json:"cursor_path"`

	// Listen is the HTTP trigger address, e.g. ":8080". Empty disables the
	// HTTP surface.
	Listen string `json:"listen"`
}

// Extract holds upstream API settings.
type Extract struct {
	// Endpoint is the full activity URL.
	Endpoint string `json:"endpoint"`

	// Token is the bearer token. Usually supplied via CRMSYNC_API_TOKEN
	// rather than the job file.
	Token string `json:"token"`

	// Limit is the per-window record cap passed to the API.
	Limit int `json:"limit"`

	// WindowHours is the fetch window size in hours.
	WindowHours int `json:"window_hours"`

	// LookbackDays bounds the initial backfill when no cursor exists.
	LookbackDays int `json:"lookback_days"`
}

// Warehouse selects the analytical store backend.
type Warehouse struct {
	// Kind selects the backend implementation: "postgres", "mysql",
	// "mssql", or "sqlite".
	Kind string `json:"kind"`

	// DSN is the backend connection string. Usually supplied via
	// CRMSYNC_DSN rather than the job file.
	DSN string `json:"dsn"`
}

// Normalize tunes the record normalizer.
type Normalize struct {
	// ExtractedAtColumn optionally names a timestamp column whose value is
	// used for duplicate tie-breaks; empty falls back to fetch time.
	ExtractedAtColumn string `json:"extracted_at_column"`

	// ResolveDuplicates permits duplicate keys within a batch, resolved
	// deterministically by the planner. When false, conflicting duplicates
	// abort the run.
	ResolveDuplicates bool `json:"resolve_duplicates"`
}

// LoadConfig tunes the load executor.
type LoadConfig struct {
	// RetryLimit is the maximum attempts per row.
	RetryLimit int `json:"retry_limit"`

	// InitialBackoffMS / MaxBackoffMS bound the retry backoff.
	InitialBackoffMS int `json:"initial_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms"`

	// Workers bounds concurrent row applies; zero or one means sequential.
	Workers int `json:"workers"`

	// Transactional applies each batch in one transaction when the backend
	// supports it.
	Transactional bool `json:"transactional"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Kind selects the backend: "prometheus", "datadog", or "" for none.
	Kind string `json:"kind"`

	// Options is a free-form map interpreted by the selected backend.
	// For "prometheus": gateway_url (string).
	// For "datadog": addr (string), namespace (string), tags ([]string).
	Options Options `json:"options"`
}

// Load reads and decodes a job file, then applies environment overrides.
func Load(path string) (*Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	j.ApplyEnv()
	return &j, nil
}

// ApplyEnv overlays secrets and deploy-specific settings from the
// environment. Set variables win over job-file values so credentials never
// need to live on disk.
//
//	CRMSYNC_API_TOKEN       extract.token
//	CRMSYNC_DSN             warehouse.dsn
//	CRMSYNC_METRICS_BACKEND metrics.kind
//	CRMSYNC_PUSHGATEWAY_URL metrics.options.gateway_url
func (j *Job) ApplyEnv() {
	if v := os.Getenv("CRMSYNC_API_TOKEN"); v != "" {
		j.Extract.Token = v
	}
	if v := os.Getenv("CRMSYNC_DSN"); v != "" {
		j.Warehouse.DSN = v
	}
	if v := os.Getenv("CRMSYNC_METRICS_BACKEND"); v != "" {
		j.Metrics.Kind = v
	}
	if v := os.Getenv("CRMSYNC_PUSHGATEWAY_URL"); v != "" {
		if j.Metrics.Options == nil {
			j.Metrics.Options = Options{}
		}
		j.Metrics.Options["gateway_url"] = v
	}
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a key
// is absent or of an unexpected type.
//
// Options is used for backend-specific configuration where the shape varies
// by implementation.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
// If the value is neither float64 nor int, def is returned.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// StringSlice returns a []string for key when the value is an array of strings
// (or an array of interface values containing strings). Returns nil when the
// key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key (which may itself be a nested
// map[string]any, []any, or primitive). This is useful for retrieving nested
// configuration blocks that will be unmarshaled into a typed struct by the
// caller.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null "options"
// object in JSON decodes to a non-nil, empty Options map. This simplifies call
// sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
