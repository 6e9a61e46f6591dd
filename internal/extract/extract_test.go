package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
}

// windowServer serves one NDJSON record per window and remembers every
// request it saw.
type windowServer struct {
	mu   sync.Mutex
	reqs []*http.Request

	// failWindow, when non-empty, matches the start parameter of a window
	// that should answer 500.
	failWindow string
}

func (s *windowServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.reqs = append(s.reqs, r.Clone(context.Background()))
		s.mu.Unlock()

		if s.failWindow != "" && r.URL.Query().Get("start") == s.failWindow {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"id": 1, "start": "` + r.URL.Query().Get("start") + `"}` + "\n"))
	}
}

func (s *windowServer) requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.reqs...)
}

func newExtractor(t *testing.T, endpoint string, cfg Config) *HTTPExtractor {
	t.Helper()
	cfg.Endpoint = endpoint
	if cfg.Token == "" {
		cfg.Token = "secret"
	}
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(ClientConfig{MaxRetries: 0, InitialBackoff: time.Millisecond})
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNew_RequiresEndpointAndToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "x"}); err == nil {
		t.Fatalf("missing endpoint accepted")
	}
	if _, err := New(Config{Endpoint: "http://x"}); err == nil {
		t.Fatalf("missing token accepted")
	}
}

func TestFetch_BackfillWindows(t *testing.T) {
	t.Parallel()

	ws := &windowServer{}
	srv := httptest.NewServer(ws.handler())
	defer srv.Close()

	e := newExtractor(t, srv.URL, Config{LookbackDays: 2, WindowHours: 24, Limit: 50})
	recs, cursor, err := e.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want one per window", len(recs))
	}
	if want := fixedNow().Format(time.RFC3339); cursor != want {
		t.Fatalf("cursor = %q, want %q", cursor, want)
	}

	reqs := ws.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	q := reqs[0].URL.Query()
	if got, want := q.Get("start"), "2025-06-08T12:00:00Z"; got != want {
		t.Fatalf("first window start = %q, want %q", got, want)
	}
	if got, want := q.Get("end"), "2025-06-09T12:00:00Z"; got != want {
		t.Fatalf("first window end = %q, want %q", got, want)
	}
	if got := q.Get("limit"); got != "50" {
		t.Fatalf("limit = %q", got)
	}
	if got := q.Get("ignoreDeleted"); got != "true" {
		t.Fatalf("ignoreDeleted = %q", got)
	}
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := reqs[0].Header.Get("accept"); got != "application/x-ndjson" {
		t.Fatalf("accept = %q", got)
	}
}

func TestFetch_ResumesFromCursor(t *testing.T) {
	t.Parallel()

	ws := &windowServer{}
	srv := httptest.NewServer(ws.handler())
	defer srv.Close()

	e := newExtractor(t, srv.URL, Config{WindowHours: 24})
	cursor := "2025-06-10T06:00:00Z"
	_, next, err := e.Fetch(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	reqs := ws.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want a single partial window", len(reqs))
	}
	q := reqs[0].URL.Query()
	if got := q.Get("start"); got != cursor {
		t.Fatalf("start = %q, want cursor %q", got, cursor)
	}
	// The final window is clamped to now.
	if got, want := q.Get("end"), "2025-06-10T12:00:00Z"; got != want {
		t.Fatalf("end = %q, want %q", got, want)
	}
	if next != "2025-06-10T12:00:00Z" {
		t.Fatalf("next cursor = %q", next)
	}
}

func TestFetch_CursorAtNowIsNoop(t *testing.T) {
	t.Parallel()

	e := newExtractor(t, "http://unused.invalid", Config{})
	cursor := fixedNow().Format(time.RFC3339)
	recs, next, err := e.Fetch(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 0 || next != cursor {
		t.Fatalf("noop fetch returned %d records, cursor %q", len(recs), next)
	}
}

func TestFetch_BadCursor(t *testing.T) {
	t.Parallel()

	e := newExtractor(t, "http://unused.invalid", Config{})
	if _, _, err := e.Fetch(context.Background(), "not-a-time"); err == nil {
		t.Fatalf("bad cursor accepted")
	}
}

// A failed window returns the records gathered so far and a cursor at the
// last completed window, so the next run resumes there.
func TestFetch_PartialFailureKeepsResumeCursor(t *testing.T) {
	t.Parallel()

	ws := &windowServer{failWindow: "2025-06-09T12:00:00Z"}
	srv := httptest.NewServer(ws.handler())
	defer srv.Close()

	e := newExtractor(t, srv.URL, Config{LookbackDays: 2, WindowHours: 24})
	recs, cursor, err := e.Fetch(context.Background(), "")
	if err == nil {
		t.Fatalf("expected window failure")
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want the completed window's record", len(recs))
	}
	if cursor != "2025-06-09T12:00:00Z" {
		t.Fatalf("resume cursor = %q", cursor)
	}
	if !strings.Contains(err.Error(), "window 2025-06-09T12:00:00Z..2025-06-10T12:00:00Z") {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_Non200IsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	e := newExtractor(t, srv.URL, Config{LookbackDays: 1})
	_, _, err := e.Fetch(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("err = %v, want status 403", err)
	}
}
