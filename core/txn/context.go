package txn

import (
	"time"

	"github.com/sushant-115/gojotx/core/step"
)

// BeginOptions configure a new execution context.
type BeginOptions struct {
	// Isolation is a caller-supplied tag recorded on the context. The core
	// enforces nothing beyond explicit locking.
	Isolation string
	// Timeout bounds the whole execution, checked before each step group
	// begins. Zero falls back to the manager default.
	Timeout time.Duration
	// Metadata is carried on the context for the caller's benefit.
	Metadata map[string]any
}

// Context is the mutable state of one in-flight execution. It is created at
// Begin, mutated only by the owning manager, and discarded once a terminal
// state is reached.
type Context struct {
	ID                   string
	Isolation            string
	StartedAt            time.Time
	Timeout              time.Duration
	Metadata             map[string]any
	CompletedSteps       []string
	FailedStep           string
	CompensationRequired bool
}

// Result is an immutable snapshot of an execution's outcome. It is
// superseded, never mutated, on each state transition; the terminal
// snapshot is always fully populated even when the execution failed, so
// callers never need a second channel to discover the outcome.
type Result struct {
	ID             string
	Status         Status
	Output         any
	Err            error
	CompletedSteps []string
	FailedStep     string
	StartedAt      time.Time
	CompletedAt    time.Time
	ExecutionTime  time.Duration

	// CompensationErrors collects compensations that failed during the
	// rollback sweep. The sweep itself is best-effort and never halts.
	CompensationErrors []step.CompensationFailure
}

func newResult(txc *Context, status Status) *Result {
	completedAt := time.Now()
	names := make([]string, len(txc.CompletedSteps))
	copy(names, txc.CompletedSteps)
	return &Result{
		ID:             txc.ID,
		Status:         status,
		CompletedSteps: names,
		FailedStep:     txc.FailedStep,
		StartedAt:      txc.StartedAt,
		CompletedAt:    completedAt,
		ExecutionTime:  completedAt.Sub(txc.StartedAt),
	}
}
