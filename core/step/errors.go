package step

import (
	"fmt"
	"time"
)

// ExecutionError reports a step whose execute function failed after all
// configured attempts.
type ExecutionError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a step attempt or a whole execution that exceeded
// its time budget.
type TimeoutError struct {
	// Name is the step name, or the execution ID for an execution-level
	// timeout.
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %v", e.Name, e.Timeout)
}

// CancellationError reports an execution aborted by an explicit Cancel call.
type CancellationError struct {
	ID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ID)
}

// CompensationError reports a compensation that itself failed. It never
// aborts the compensation sweep; failures are collected on the terminal
// result instead.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }
