package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run executes a step with its timeout and retry policy. Attempt failures
// are retried after the policy's backoff; exhausting the policy promotes
// the last error. Timeout errors surface as *TimeoutError, everything else
// as *ExecutionError. Panics inside the execute function are recovered and
// treated as attempt failures.
func Run(ctx context.Context, s Step, input any) (any, error) {
	attempts := 1
	if s.Retry != nil && s.Retry.MaxRetries > 0 {
		attempts += s.Retry.MaxRetries
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made++
		out, err := runOnce(ctx, s, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			if serr := Sleep(ctx, s.Retry.Delay(attempt)); serr != nil {
				break
			}
		}
	}

	var te *TimeoutError
	if errors.As(lastErr, &te) {
		return nil, lastErr
	}
	return nil, &ExecutionError{Step: s.Name, Attempts: made, Err: lastErr}
}

type outcome struct {
	out any
	err error
}

// runOnce performs a single execution attempt. The step runs in its own
// goroutine so a per-step timeout can fire even if the function ignores its
// context; such a function may outlive the attempt.
func runOnce(ctx context.Context, s Step, input any) (any, error) {
	runCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step %q panicked: %v", s.Name, r)}
			}
		}()
		out, err := s.Execute(runCtx, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-runCtx.Done():
		if s.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Name: s.Name, Timeout: s.Timeout}
		}
		return nil, runCtx.Err()
	}
}

// Sleep waits d, returning early with the context's error if it is
// cancelled. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed records a step that finished successfully together with the
// input it executed with, so its compensation can replay it.
type Completed struct {
	Step  Step
	Input any
}

// CompensationFailure records a compensation that failed during the sweep.
type CompensationFailure struct {
	Step string
	Err  error
}

// CompensateAll undoes completed steps in exact reverse completion order.
// Each step's own Compensate runs first; steps without one fall back to the
// registry under the given scope. Failures are collected, never aborting
// the sweep. The sweep runs under a fresh context so a cancelled caller
// cannot starve cleanup.
func CompensateAll(completed []Completed, reg *CompensationRegistry, scope string, timeout time.Duration, logger *zap.Logger) []CompensationFailure {
	if len(completed) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sweepCtx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(len(completed)))
	defer cancel()

	var failures []CompensationFailure
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		fn := c.Step.Compensate
		if fn == nil && reg != nil {
			if regFn, ok := reg.Lookup(scope, c.Step.Name); ok {
				fn = regFn
			}
		}
		if fn == nil {
			logger.Debug("no compensation defined", zap.String("step", c.Step.Name))
			continue
		}

		err := compensateOne(sweepCtx, c, fn, timeout)
		if err != nil {
			logger.Warn("compensation failed",
				zap.String("step", c.Step.Name), zap.Error(err))
			failures = append(failures, CompensationFailure{
				Step: c.Step.Name,
				Err:  &CompensationError{Step: c.Step.Name, Err: err},
			})
			continue
		}
		logger.Debug("compensated step", zap.String("step", c.Step.Name))
	}
	return failures
}

func compensateOne(ctx context.Context, c Completed, fn CompensateFunc, timeout time.Duration) (err error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return fn(stepCtx, c.Input)
}
