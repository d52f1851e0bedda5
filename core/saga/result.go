// Package saga orchestrates definitions with the same step contract as the
// transaction manager, adding per-step conditions, parallel step groups,
// and externally observable compensating/compensated lifecycle states.
package saga

import (
	"time"

	"github.com/sushant-115/gojotx/core/step"
	"github.com/sushant-115/gojotx/core/txn"
)

// Result is the outcome of a saga execution. Unlike the transaction
// manager, Execute returns it directly: the Status field carries the
// outcome and Err is populated on failure, so a caller never unwraps an
// error to learn what happened.
type Result struct {
	ID             string
	Name           string
	Status         txn.Status
	Output         any
	Err            error
	CompletedSteps []string
	SkippedSteps   []string
	FailedStep     string
	StepResults    map[string]any
	StartedAt      time.Time
	CompletedAt    time.Time
	ExecutionTime  time.Duration

	CompensationErrors []step.CompensationFailure
}

// clone returns a copy safe to hand to callers while the live result keeps
// mutating under the manager mutex.
func (r *Result) clone() *Result {
	cp := *r
	cp.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	cp.SkippedSteps = append([]string(nil), r.SkippedSteps...)
	cp.CompensationErrors = append([]step.CompensationFailure(nil), r.CompensationErrors...)
	cp.StepResults = make(map[string]any, len(r.StepResults))
	for k, v := range r.StepResults {
		cp.StepResults[k] = v
	}
	return &cp
}
