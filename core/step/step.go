// Package step defines the shared step contract consumed by the transaction
// and saga managers: step definitions, retry/backoff policy, the
// compensation registry, and the step runner.
package step

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/gojotx/core/lock"
)

// ExecuteFunc performs a step's forward action. The returned output is fed
// to the next step in the definition.
type ExecuteFunc func(ctx context.Context, input any) (any, error)

// CompensateFunc undoes a completed step. It receives the same input the
// step originally executed with.
type CompensateFunc func(ctx context.Context, input any) error

// ConditionFunc gates a saga step. Returning false skips the step entirely:
// it is neither executed nor compensated.
type ConditionFunc func(sc Context) bool

// ResourceClaim declares a lock the step needs before it runs. Claims are
// acquired by the owning manager and held until the transaction or saga
// reaches a terminal state.
type ResourceClaim struct {
	Key  string
	Mode lock.Mode
}

// Step is a single unit of work. Immutable once handed to a manager.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc // nil if the step has no undo action

	// Timeout bounds a single execution attempt. Zero means no limit.
	Timeout time.Duration

	// Retry controls re-execution after a failed attempt. Nil means no retries.
	Retry *RetryPolicy

	// Condition is evaluated by the saga manager only.
	Condition ConditionFunc

	// Resources are lock claims acquired before the step runs.
	Resources []ResourceClaim

	// Dependencies is informational metadata carried for callers; it does
	// not influence scheduling. Ordering comes from the definition and its
	// parallel groups alone.
	Dependencies []string
}

// RetryPolicy controls how a failed step attempt is retried.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// Backoff is the base delay before a retry.
	Backoff time.Duration
	// Exponential doubles the delay on each subsequent retry.
	Exponential bool
}

// Delay returns the backoff before retry n (1-based). With Exponential set
// the delay is Backoff * 2^(n-1), otherwise it is the fixed Backoff.
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if p == nil || p.Backoff <= 0 {
		return 0
	}
	if !p.Exponential || retry <= 1 {
		return p.Backoff
	}
	return p.Backoff << uint(retry-1)
}

// Context is the view of the execution a saga step condition sees.
type Context struct {
	SagaID          string
	StepName        string
	Input           any
	PreviousResults map[string]any
}

// CommitHook fires after an execution reaches its success terminal state.
type CommitHook func(ctx context.Context, id string, output any)

// RollbackHook fires after an execution reaches its failure terminal state.
type RollbackHook func(ctx context.Context, id string, cause error)

// Definition is an ordered list of steps plus optional parallel groupings
// and lifecycle hooks.
type Definition struct {
	Name  string
	Steps []Step

	// ParallelGroups lists sets of step names executed concurrently as a
	// unit. The group runs at the position of its first member in Steps;
	// the join is a hard barrier.
	ParallelGroups [][]string

	// RollbackOnFailure controls the compensation sweep on failure.
	// Nil means true.
	RollbackOnFailure *bool

	OnCommit   CommitHook
	OnRollback RollbackHook
}

// RollbackEnabled reports whether a failed execution compensates completed
// steps.
func (d *Definition) RollbackEnabled() bool {
	return d.RollbackOnFailure == nil || *d.RollbackOnFailure
}

// Validate checks the definition for structural problems before execution.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %q has no steps", d.Name)
	}
	byName := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("definition %q contains a step with no name", d.Name)
		}
		if s.Execute == nil {
			return fmt.Errorf("step %q has no execute function", s.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = struct{}{}
	}
	grouped := make(map[string]int)
	for gi, group := range d.ParallelGroups {
		if len(group) == 0 {
			return fmt.Errorf("parallel group %d is empty", gi)
		}
		for _, name := range group {
			if _, ok := byName[name]; !ok {
				return fmt.Errorf("parallel group %d names unknown step %q", gi, name)
			}
			if prev, ok := grouped[name]; ok {
				return fmt.Errorf("step %q appears in parallel groups %d and %d", name, prev, gi)
			}
			grouped[name] = gi
		}
	}
	return nil
}

// Plan resolves the definition into ordered execution groups. Steps outside
// any parallel group become single-member groups in declared order; a
// parallel group is emitted at the position of its first member.
func (d *Definition) Plan() [][]Step {
	byName := make(map[string]Step, len(d.Steps))
	for _, s := range d.Steps {
		byName[s.Name] = s
	}
	groupOf := make(map[string]int)
	for gi, group := range d.ParallelGroups {
		for _, name := range group {
			groupOf[name] = gi
		}
	}

	var plan [][]Step
	emitted := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if _, done := emitted[s.Name]; done {
			continue
		}
		gi, inGroup := groupOf[s.Name]
		if !inGroup {
			plan = append(plan, []Step{s})
			emitted[s.Name] = struct{}{}
			continue
		}
		group := make([]Step, 0, len(d.ParallelGroups[gi]))
		for _, name := range d.ParallelGroups[gi] {
			group = append(group, byName[name])
			emitted[name] = struct{}{}
		}
		plan = append(plan, group)
	}
	return plan
}
