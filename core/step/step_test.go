package step

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryPolicy_Delay(t *testing.T) {
	fixed := &RetryPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, fixed.Delay(1))
	require.Equal(t, 10*time.Millisecond, fixed.Delay(3))

	exp := &RetryPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond, Exponential: true}
	require.Equal(t, 10*time.Millisecond, exp.Delay(1))
	require.Equal(t, 20*time.Millisecond, exp.Delay(2))
	require.Equal(t, 40*time.Millisecond, exp.Delay(3))

	var nilPolicy *RetryPolicy
	require.Equal(t, time.Duration(0), nilPolicy.Delay(1))
}

func TestDefinition_Validate(t *testing.T) {
	noop := func(_ context.Context, in any) (any, error) { return in, nil }

	require.Error(t, (&Definition{Name: "empty"}).Validate())

	dup := &Definition{Name: "dup", Steps: []Step{
		{Name: "a", Execute: noop},
		{Name: "a", Execute: noop},
	}}
	require.ErrorContains(t, dup.Validate(), "duplicate step name")

	unknown := &Definition{
		Name:           "grp",
		Steps:          []Step{{Name: "a", Execute: noop}},
		ParallelGroups: [][]string{{"missing"}},
	}
	require.ErrorContains(t, unknown.Validate(), "unknown step")

	ok := &Definition{
		Name: "ok",
		Steps: []Step{
			{Name: "a", Execute: noop},
			{Name: "b", Execute: noop},
		},
		ParallelGroups: [][]string{{"a", "b"}},
	}
	require.NoError(t, ok.Validate())
}

// TestDefinition_Plan verifies a parallel group is emitted at the position
// of its first member and consumes all its members.
func TestDefinition_Plan(t *testing.T) {
	noop := func(_ context.Context, in any) (any, error) { return in, nil }
	def := &Definition{
		Name: "plan",
		Steps: []Step{
			{Name: "a", Execute: noop},
			{Name: "b", Execute: noop},
			{Name: "c", Execute: noop},
			{Name: "d", Execute: noop},
		},
		ParallelGroups: [][]string{{"b", "c"}},
	}

	plan := def.Plan()
	require.Len(t, plan, 3)
	require.Equal(t, "a", plan[0][0].Name)
	require.Len(t, plan[1], 2)
	require.Equal(t, "b", plan[1][0].Name)
	require.Equal(t, "c", plan[1][1].Name)
	require.Equal(t, "d", plan[2][0].Name)
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	s := Step{
		Name: "flaky",
		Execute: func(_ context.Context, in any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return in.(int) * 2, nil
		},
		Retry: &RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
	}

	out, err := Run(context.Background(), s, 21)
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRun_ExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	s := Step{
		Name: "doomed",
		Execute: func(_ context.Context, _ any) (any, error) {
			attempts.Add(1)
			return nil, errors.New("permanent")
		},
		Retry: &RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
	}

	_, err := Run(context.Background(), s, nil)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 3, execErr.Attempts)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRun_Timeout(t *testing.T) {
	s := Step{
		Name: "slow",
		Execute: func(ctx context.Context, _ any) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Timeout: 50 * time.Millisecond,
	}

	_, err := Run(context.Background(), s, nil)
	require.Error(t, err)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	require.Contains(t, err.Error(), "timed out")
}

func TestRun_RecoversPanic(t *testing.T) {
	s := Step{
		Name: "panicky",
		Execute: func(_ context.Context, _ any) (any, error) {
			panic("boom")
		},
	}

	_, err := Run(context.Background(), s, nil)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, err.Error(), "panicked")
}

func TestSleep_Cancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCompensationRegistry(t *testing.T) {
	reg := NewCompensationRegistry()
	noop := func(_ context.Context, _ any) error { return nil }

	reg.Register("tx-1", "a", noop)
	reg.Register("tx-1", "b", noop)
	reg.Register("tx-2", "a", noop)

	_, ok := reg.Lookup("tx-1", "a")
	require.True(t, ok)
	_, ok = reg.Lookup("tx-1", "c")
	require.False(t, ok)

	entries := reg.Entries("tx-1")
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Key)
	require.Equal(t, "b", entries[1].Key)

	reg.Unregister("tx-1", "a")
	_, ok = reg.Lookup("tx-1", "a")
	require.False(t, ok)

	reg.ClearScope("tx-2")
	require.Empty(t, reg.Entries("tx-2"))
}

// TestCompensateAll_ReverseOrderBestEffort verifies the sweep runs in
// reverse completion order and keeps going past a failing compensation.
func TestCompensateAll_ReverseOrderBestEffort(t *testing.T) {
	var order []string
	mk := func(name string, fail bool) Completed {
		return Completed{Step: Step{
			Name: name,
			Compensate: func(_ context.Context, _ any) error {
				order = append(order, name)
				if fail {
					return errors.New("undo failed")
				}
				return nil
			},
		}}
	}

	completed := []Completed{mk("first", false), mk("second", true), mk("third", false)}
	failures := CompensateAll(completed, nil, "scope", time.Second, zap.NewNop())

	require.Equal(t, []string{"third", "second", "first"}, order)
	require.Len(t, failures, 1)
	require.Equal(t, "second", failures[0].Step)
	var compErr *CompensationError
	require.ErrorAs(t, failures[0].Err, &compErr)
}

func TestCompensateAll_RegistryFallback(t *testing.T) {
	reg := NewCompensationRegistry()
	var viaRegistry bool
	reg.Register("scope", "bare", func(_ context.Context, _ any) error {
		viaRegistry = true
		return nil
	})

	completed := []Completed{{Step: Step{Name: "bare"}}}
	failures := CompensateAll(completed, reg, "scope", time.Second, zap.NewNop())
	require.Empty(t, failures)
	require.True(t, viaRegistry)
}
