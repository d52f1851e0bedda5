package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/events"
	"github.com/sushant-115/gojotx/core/lock"
	"github.com/sushant-115/gojotx/core/step"
)

func setupManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func arithmeticDefinition() *step.Definition {
	return &step.Definition{
		Name: "arithmetic",
		Steps: []step.Step{
			{
				Name: "add10",
				Execute: func(ctx context.Context, input any) (any, error) {
					return input.(int) + 10, nil
				},
			},
			{
				Name: "double",
				Execute: func(ctx context.Context, input any) (any, error) {
					return input.(int) * 2, nil
				},
			},
		},
	}
}

func TestExecute_ChainsStepOutputs(t *testing.T) {
	m := setupManager(t, Config{})

	res, err := m.Execute(context.Background(), arithmeticDefinition(), 5)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.Equal(t, 30, res.Output)
	require.Equal(t, []string{"add10", "double"}, res.CompletedSteps)
	require.NoError(t, res.Err)

	stored, err := m.Result(res.ID)
	require.NoError(t, err)
	require.Equal(t, res, stored)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	m := setupManager(t, Config{})

	var attempts int
	def := &step.Definition{
		Name: "flaky",
		Steps: []step.Step{{
			Name: "eventually",
			Execute: func(ctx context.Context, input any) (any, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("transient")
				}
				return "ok", nil
			},
			Retry: &step.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
		}},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.Equal(t, "ok", res.Output)
	require.Equal(t, 3, attempts)
}

func TestExecute_FailureCompensatesCompletedStepsOnly(t *testing.T) {
	m := setupManager(t, Config{})

	var compensated []string
	def := &step.Definition{
		Name: "partial",
		Steps: []step.Step{
			{
				Name: "step1",
				Execute: func(ctx context.Context, input any) (any, error) {
					return "one", nil
				},
				Compensate: func(ctx context.Context, input any) error {
					compensated = append(compensated, "step1")
					return nil
				},
			},
			{
				Name: "step2",
				Execute: func(ctx context.Context, input any) (any, error) {
					return nil, errors.New("boom")
				},
				Compensate: func(ctx context.Context, input any) error {
					compensated = append(compensated, "step2")
					return nil
				},
			},
		},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Equal(t, "step2", res.FailedStep)
	require.Error(t, res.Err)
	require.Equal(t, []string{"step1"}, compensated)
	require.Empty(t, res.CompensationErrors)
}

func TestExecute_CompensationRunsInReverseOrder(t *testing.T) {
	m := setupManager(t, Config{})

	var order []string
	record := func(name string) step.CompensateFunc {
		return func(ctx context.Context, input any) error {
			order = append(order, name)
			return nil
		}
	}
	def := &step.Definition{
		Name: "three",
		Steps: []step.Step{
			{Name: "a", Execute: passthrough, Compensate: record("a")},
			{Name: "b", Execute: passthrough, Compensate: record("b")},
			{Name: "c", Execute: func(ctx context.Context, input any) (any, error) {
				return nil, errors.New("late failure")
			}},
		},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Equal(t, []string{"b", "a"}, order)
}

func passthrough(ctx context.Context, input any) (any, error) { return input, nil }

func TestExecute_StepTimeout(t *testing.T) {
	m := setupManager(t, Config{})

	def := &step.Definition{
		Name: "slow",
		Steps: []step.Step{{
			Name:    "sleepy",
			Timeout: 100 * time.Millisecond,
			Execute: func(ctx context.Context, input any) (any, error) {
				time.Sleep(200 * time.Millisecond)
				return nil, nil
			},
		}},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, "sleepy", res.FailedStep)
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "timed out")
	var timeout *step.TimeoutError
	require.ErrorAs(t, res.Err, &timeout)
}

func TestExecute_TransactionTimeout(t *testing.T) {
	m := setupManager(t, Config{})

	def := &step.Definition{
		Name: "deadline",
		Steps: []step.Step{
			{Name: "first", Execute: func(ctx context.Context, input any) (any, error) {
				time.Sleep(60 * time.Millisecond)
				return input, nil
			}},
			{Name: "second", Execute: passthrough},
		},
	}

	res, err := m.ExecuteWith(context.Background(), def, nil, BeginOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Contains(t, res.Err.Error(), "timed out")
	require.Equal(t, []string{"first"}, res.CompletedSteps)
}

func TestExecute_ConcurrentTransactionsAreIsolated(t *testing.T) {
	m := setupManager(t, Config{})

	double := &step.Definition{
		Name: "double",
		Steps: []step.Step{{
			Name: "double",
			Execute: func(ctx context.Context, input any) (any, error) {
				return input.(int) * 2, nil
			},
		}},
	}

	var wg sync.WaitGroup
	outputs := make([]any, 3)
	for i, in := range []int{1, 2, 3} {
		wg.Add(1)
		go func(i, in int) {
			defer wg.Done()
			res, err := m.Execute(context.Background(), double, in)
			require.NoError(t, err)
			require.Equal(t, StatusCommitted, res.Status)
			outputs[i] = res.Output
		}(i, in)
	}
	wg.Wait()

	require.Equal(t, []any{2, 4, 6}, outputs)
}

func TestExecute_RollbackDisabledStaysFailed(t *testing.T) {
	m := setupManager(t, Config{})

	compensated := false
	disabled := false
	def := &step.Definition{
		Name:              "no-rollback",
		RollbackOnFailure: &disabled,
		Steps: []step.Step{
			{
				Name:    "first",
				Execute: passthrough,
				Compensate: func(ctx context.Context, input any) error {
					compensated = true
					return nil
				},
			},
			{Name: "second", Execute: func(ctx context.Context, input any) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.False(t, compensated)
}

func TestExecute_ParallelGroupBarrierAndMapOutput(t *testing.T) {
	m := setupManager(t, Config{})

	def := &step.Definition{
		Name: "fan",
		Steps: []step.Step{
			{Name: "left", Execute: func(ctx context.Context, input any) (any, error) {
				return input.(int) + 1, nil
			}},
			{Name: "right", Execute: func(ctx context.Context, input any) (any, error) {
				return input.(int) + 2, nil
			}},
			{Name: "join", Execute: func(ctx context.Context, input any) (any, error) {
				outs := input.(map[string]any)
				return outs["left"].(int) + outs["right"].(int), nil
			}},
		},
		ParallelGroups: [][]string{{"left", "right"}},
	}

	res, err := m.Execute(context.Background(), def, 10)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.Equal(t, 23, res.Output)
	require.Len(t, res.CompletedSteps, 3)
}

func TestExecute_ParallelGroupFailureCompensatesSurvivors(t *testing.T) {
	m := setupManager(t, Config{})

	var compensated []string
	var mu sync.Mutex
	def := &step.Definition{
		Name: "fan-fail",
		Steps: []step.Step{
			{
				Name:    "ok-member",
				Execute: passthrough,
				Compensate: func(ctx context.Context, input any) error {
					mu.Lock()
					compensated = append(compensated, "ok-member")
					mu.Unlock()
					return nil
				},
			},
			{Name: "bad-member", Execute: func(ctx context.Context, input any) (any, error) {
				return nil, errors.New("boom")
			}},
		},
		ParallelGroups: [][]string{{"ok-member", "bad-member"}},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Equal(t, "bad-member", res.FailedStep)
	require.Equal(t, []string{"ok-member"}, compensated)
}

func TestExecute_ResourceClaimsReleasedOnTerminalState(t *testing.T) {
	locks := lock.NewManager(lock.Config{Strategy: lock.Fail}, lock.Hooks{})
	m := setupManager(t, Config{Locks: locks})

	def := &step.Definition{
		Name: "claims",
		Steps: []step.Step{{
			Name:      "guarded",
			Execute:   passthrough,
			Resources: []step.ResourceClaim{{Key: "acct/1", Mode: lock.Exclusive}},
		}},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.False(t, locks.IsLocked("acct/1"))
}

func TestExecute_LockConflictFailsTransaction(t *testing.T) {
	locks := lock.NewManager(lock.Config{Strategy: lock.Fail}, lock.Hooks{})
	m := setupManager(t, Config{Locks: locks})

	require.NoError(t, locks.Acquire(context.Background(), "acct/1", lock.Exclusive, "intruder"))

	def := &step.Definition{
		Name: "claims",
		Steps: []step.Step{{
			Name:      "guarded",
			Execute:   passthrough,
			Resources: []step.ResourceClaim{{Key: "acct/1", Mode: lock.Exclusive}},
		}},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, "guarded", res.FailedStep)
	var conflict *lock.ConflictError
	require.ErrorAs(t, res.Err, &conflict)

	// After the conflicting holder releases, the same definition succeeds.
	locks.ReleaseAll("intruder")
	res, err = m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
}

func TestExecute_RejectsClaimsWithoutLockManager(t *testing.T) {
	m := setupManager(t, Config{})

	def := &step.Definition{
		Name: "claims",
		Steps: []step.Step{{
			Name:      "guarded",
			Execute:   passthrough,
			Resources: []step.ResourceClaim{{Key: "acct/1", Mode: lock.Shared}},
		}},
	}

	_, err := m.Execute(context.Background(), def, nil)
	require.Error(t, err)
}

func TestCancel_StopsBeforeNextStep(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	def := &step.Definition{
		Name: "cancellable",
		Steps: []step.Step{
			{Name: "first", Execute: func(ctx context.Context, input any) (any, error) {
				<-release
				return input, nil
			}},
			{Name: "second", Execute: passthrough},
		},
	}

	collector := events.PublisherFunc(func(ctx context.Context, e events.Event) error {
		if e.Type == events.TxnStarted {
			started <- e.AggregateID
		}
		return nil
	})
	m := setupManager(t, Config{Publisher: collector})

	done := make(chan *Result, 1)
	go func() {
		res, err := m.Execute(context.Background(), def, nil)
		require.NoError(t, err)
		done <- res
	}()

	id := <-started
	// Begin publishes before the execution flips to running, so cancel may
	// need a retry.
	require.Eventually(t, func() bool { return m.Cancel(id) == nil }, time.Second, 5*time.Millisecond)
	close(release)

	res := <-done
	var cancelled *step.CancellationError
	require.ErrorAs(t, res.Err, &cancelled)
	require.Contains(t, res.Err.Error(), "cancelled")
	require.Equal(t, []string{"first"}, res.CompletedSteps)
}

func TestCancel_RejectsUnknownAndTerminal(t *testing.T) {
	m := setupManager(t, Config{})
	require.Error(t, m.Cancel("nope"))

	res, err := m.Execute(context.Background(), arithmeticDefinition(), 1)
	require.NoError(t, err)
	require.Error(t, m.Cancel(res.ID))
}

func TestBeginCommit_ExplicitPhases(t *testing.T) {
	m := setupManager(t, Config{})

	txc, err := m.Begin(BeginOptions{Isolation: "serializable", Metadata: map[string]any{"origin": "test"}})
	require.NoError(t, err)
	require.NotEmpty(t, txc.ID)

	require.NoError(t, m.Commit(txc.ID))
	res, err := m.Result(txc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)

	// Terminal transactions cannot be committed again.
	require.Error(t, m.Commit(txc.ID))
}

func TestBeginRollback_RunsRegisteredCompensationsInReverse(t *testing.T) {
	m := setupManager(t, Config{})

	txc, err := m.Begin(BeginOptions{})
	require.NoError(t, err)

	var order []string
	record := func(name string) step.CompensateFunc {
		return func(ctx context.Context, input any) error {
			order = append(order, name)
			return nil
		}
	}
	m.RegisterCompensation(txc.ID, "undo-a", record("a"))
	m.RegisterCompensation(txc.ID, "undo-b", record("b"))
	m.RegisterCompensation(txc.ID, "undo-c", record("c"))

	require.NoError(t, m.Rollback(txc.ID))
	require.Equal(t, []string{"c", "b", "a"}, order)

	res, err := m.Result(txc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Error(t, m.Rollback(txc.ID))
}

func TestExecute_LifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var types []string
	collector := events.PublisherFunc(func(ctx context.Context, e events.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	m := setupManager(t, Config{Publisher: collector})

	_, err := m.Execute(context.Background(), arithmeticDefinition(), 5)
	require.NoError(t, err)
	require.Equal(t, []string{events.TxnStarted, events.TxnCommitted}, types)

	types = nil
	failing := &step.Definition{
		Name: "failing",
		Steps: []step.Step{{Name: "bad", Execute: func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("boom")
		}}},
	}
	_, err = m.Execute(context.Background(), failing, nil)
	require.NoError(t, err)
	require.Equal(t, []string{events.TxnStarted, events.TxnFailed, events.TxnCompensated}, types)
}

func TestExecute_PublisherFailureDoesNotAffectOutcome(t *testing.T) {
	bad := events.PublisherFunc(func(ctx context.Context, e events.Event) error {
		panic("publisher down")
	})
	m := setupManager(t, Config{Publisher: bad})

	res, err := m.Execute(context.Background(), arithmeticDefinition(), 5)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.Equal(t, 30, res.Output)
}

func TestExecute_CommitAndRollbackHooks(t *testing.T) {
	m := setupManager(t, Config{})

	var committedWith any
	def := arithmeticDefinition()
	def.OnCommit = func(ctx context.Context, id string, output any) {
		committedWith = output
	}
	res, err := m.Execute(context.Background(), def, 5)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	require.Equal(t, 30, committedWith)

	var rolledBackWith error
	failing := &step.Definition{
		Name: "failing",
		Steps: []step.Step{{Name: "bad", Execute: func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("boom")
		}}},
		OnRollback: func(ctx context.Context, id string, cause error) {
			rolledBackWith = cause
		},
	}
	_, err = m.Execute(context.Background(), failing, nil)
	require.NoError(t, err)
	require.Error(t, rolledBackWith)
}

func TestExecute_CompensationFailureIsCollected(t *testing.T) {
	m := setupManager(t, Config{CompensationTimeout: time.Second})

	def := &step.Definition{
		Name: "bad-undo",
		Steps: []step.Step{
			{
				Name:    "first",
				Execute: passthrough,
				Compensate: func(ctx context.Context, input any) error {
					return errors.New("undo failed")
				},
			},
			{Name: "second", Execute: func(ctx context.Context, input any) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	res, err := m.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, res.Status)
	require.Len(t, res.CompensationErrors, 1)
	require.Equal(t, "first", res.CompensationErrors[0].Step)
}

func TestResult_UnknownTransaction(t *testing.T) {
	m := setupManager(t, Config{})
	_, err := m.Result("nope")
	require.Error(t, err)
}

func TestExecute_InvalidDefinition(t *testing.T) {
	m := setupManager(t, Config{})
	_, err := m.Execute(context.Background(), &step.Definition{Name: "empty"}, nil)
	require.Error(t, err)
}

func TestManager_Close(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Close())
	_, err := m.Begin(BeginOptions{})
	require.Error(t, err)
	require.Error(t, m.Close())
}
