package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crmsync/internal/plan"
	"crmsync/internal/schema"
)

type stubWarehouse struct {
	kind string
}

func (s *stubWarehouse) ExistingKeys(ctx context.Context, keys []schema.Key) (map[uint64]struct{}, error) {
	return nil, nil
}
func (s *stubWarehouse) Apply(ctx context.Context, op plan.Op) error { return nil }
func (s *stubWarehouse) EnsureTable(ctx context.Context) error       { return nil }
func (s *stubWarehouse) Close()                                      {}

func TestRegistry(t *testing.T) {
	Register("stub-a", func(ctx context.Context, cfg Config) (Warehouse, error) {
		return &stubWarehouse{kind: "stub-a"}, nil
	})
	Register("stub-b", func(ctx context.Context, cfg Config) (Warehouse, error) {
		return nil, errors.New("boom")
	})

	w, err := New(context.Background(), Config{Kind: "stub-a"})
	if err != nil {
		t.Fatalf("New(stub-a) error = %v", err)
	}
	if sw, ok := w.(*stubWarehouse); !ok || sw.kind != "stub-a" {
		t.Fatalf("New(stub-a) = %#v", w)
	}

	if _, err := New(context.Background(), Config{Kind: "stub-b"}); err == nil {
		t.Fatalf("New(stub-b) error = nil, want factory error")
	}

	_, err = New(context.Background(), Config{Kind: "no-such-kind"})
	if err == nil {
		t.Fatalf("New(no-such-kind) error = nil, want unsupported kind")
	}
	if !strings.Contains(err.Error(), "no-such-kind") {
		t.Fatalf("error = %v, want it to name the kind", err)
	}

	kinds := ListKinds()
	found := map[string]bool{}
	for _, k := range kinds {
		found[k] = true
	}
	if !found["stub-a"] || !found["stub-b"] {
		t.Fatalf("ListKinds() = %v, want registered stubs present", kinds)
	}
	// Sorted output keeps CLI help and error messages stable.
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] > kinds[i] {
			t.Fatalf("ListKinds() = %v, want sorted", kinds)
		}
	}
}
