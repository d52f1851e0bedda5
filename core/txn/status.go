// Package txn drives a definition's steps through a
// begin/execute/commit/rollback state machine, acquiring resource locks per
// step and compensating completed steps in reverse order on failure.
package txn

// Status is the state of a transaction or saga execution. Transitions are
// one-way; no state is revisited.
//
//	pending → running → committed|completed            (success)
//	running → failed → compensating → compensated      (failure with rollback)
//
// With rollback disabled, failed is itself terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCommitted    Status = "committed"
	StatusCompleted    Status = "completed" // saga success terminal
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transition can occur. A failed
// execution is terminal only when its rollback sweep is disabled; the
// managers transition it to compensating otherwise.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}
