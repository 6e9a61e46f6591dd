package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type timeoutErr struct{ timeout bool }

func (e *timeoutErr) Error() string   { return "net: i/o timeout" }
func (e *timeoutErr) Timeout() bool   { return e.timeout }
func (e *timeoutErr) Temporary() bool { return e.timeout }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient fault", Transient(errors.New("deadlock")), true},
		{"permanent fault", Permanent(errors.New("constraint")), false},
		{"wrapped transient fault", fmt.Errorf("apply: %w", Transient(errors.New("busy"))), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"network timeout", &timeoutErr{timeout: true}, true},
		{"network non-timeout", &timeoutErr{timeout: false}, false},
		{"plain error", errors.New("syntax error"), false},
		{"context canceled", context.Canceled, false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestFault_ErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("deadlock detected")
	err := Transient(base)
	if !errors.Is(err, base) {
		t.Fatalf("Transient did not wrap the cause")
	}
	if got := err.Error(); !strings.Contains(got, "transient") || !strings.Contains(got, "deadlock") {
		t.Fatalf("Error() = %q", got)
	}
	if got := Permanent(base).Error(); !strings.Contains(got, "permanent") {
		t.Fatalf("Error() = %q", got)
	}

	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatalf("nil must stay nil through classification")
	}
}
