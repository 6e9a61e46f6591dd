package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Fault wraps a backend error with its failure class. Transient faults
// (timeouts, rate limits, dropped connections) are retried by the executor;
// permanent ones (constraint violations, type errors) are recorded and
// surfaced without retry.
type Fault struct {
	IsTransient bool
	Err         error
}

func (f *Fault) Error() string {
	class := "permanent"
	if f.IsTransient {
		class = "transient"
	}
	return fmt.Sprintf("%s: %v", class, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{IsTransient: true, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{IsTransient: false, Err: err}
}

// IsTransient reports whether err should be retried. Errors a backend did
// not classify fall back to a conservative heuristic: network timeouts and
// context deadlines are transient, everything else is permanent.
func IsTransient(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.IsTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
