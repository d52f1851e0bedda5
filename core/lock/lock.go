// Package lock implements the in-memory lock table shared by concurrent
// transactions and sagas. Each resource key maps to its current holders and
// mode; exclusive holders exclude everyone, shared holders coexist among
// themselves. No deadlock detection is performed: acquiring multiple keys
// in different orders across concurrent transactions can deadlock under the
// wait strategy, and callers are responsible for consistent lock ordering.
package lock

import (
	"fmt"
	"time"
)

// Mode is the lock mode requested for a resource key.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Strategy governs what happens when a lock request conflicts with the
// current holders.
type Strategy int

const (
	// Wait blocks the caller, retrying acquisition with capped backoff up
	// to the configured timeout.
	Wait Strategy = iota
	// Fail returns a *ConflictError immediately.
	Fail
)

func (s Strategy) String() string {
	switch s {
	case Wait:
		return "wait"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ConflictError is returned under the Fail strategy when a request cannot
// be granted immediately.
type ConflictError struct {
	Key    string
	Mode   Mode
	Holder string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %q: %s lock unavailable, held by %s", e.Key, e.Mode, e.Holder)
}

// WaitTimeoutError is returned under the Wait strategy when the configured
// wait timeout elapses before the lock is granted.
type WaitTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q timed out after %v", e.Key, e.Timeout)
}

// entry tracks the holders of one resource key. All holders share the same
// mode: either a single exclusive holder or any number of shared holders.
type entry struct {
	mode    Mode
	holders map[string]struct{}
	order   []string // grant order, first element backs Holder()
}

func (e *entry) holds(txID string) bool {
	_, ok := e.holders[txID]
	return ok
}

func (e *entry) add(txID string) {
	if _, ok := e.holders[txID]; ok {
		return
	}
	e.holders[txID] = struct{}{}
	e.order = append(e.order, txID)
}

func (e *entry) remove(txID string) {
	delete(e.holders, txID)
	for i, id := range e.order {
		if id == txID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}
