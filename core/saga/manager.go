package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/events"
	"github.com/sushant-115/gojotx/core/lock"
	"github.com/sushant-115/gojotx/core/step"
	"github.com/sushant-115/gojotx/core/txn"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Config controls the saga manager. All collaborators are optional.
type Config struct {
	Locks     *lock.Manager
	Publisher events.Publisher
	Metrics   *internaltelemetry.CoreMetrics
	// Timeout bounds a whole saga, checked before each step group. Zero
	// means unbounded.
	Timeout time.Duration
	// CompensationTimeout bounds each compensation call. Default: 30s.
	CompensationTimeout time.Duration
	Logger              *zap.Logger
}

func (c *Config) setDefaults() {
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 30 * time.Second
	}
	if c.Publisher == nil {
		c.Publisher = events.NopPublisher{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Manager orchestrates sagas. Safe for concurrent use; each Execute call
// drives its own saga.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	registry *step.CompensationRegistry

	mu        sync.Mutex
	active    map[string]*Result // live results, mutated under mu
	results   map[string]*Result
	history   map[string][]step.Completed // completed sagas, kept for Compensate
	cancelled map[string]struct{}
}

// NewManager creates a saga manager.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		registry:  step.NewCompensationRegistry(),
		active:    make(map[string]*Result),
		results:   make(map[string]*Result),
		history:   make(map[string][]step.Completed),
		cancelled: make(map[string]struct{}),
	}
}

// Execute runs the saga end to end and always returns a fully populated
// result; the Status field carries the outcome. A structurally invalid
// definition yields a failed result without executing anything.
func (m *Manager) Execute(ctx context.Context, def *step.Definition, input any) *Result {
	now := time.Now()
	res := &Result{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Status:      txn.StatusPending,
		StepResults: make(map[string]any),
		StartedAt:   now,
	}
	if err := def.Validate(); err != nil {
		res.Status = txn.StatusFailed
		res.Err = err
		res.CompletedAt = time.Now()
		return res
	}
	if m.cfg.Locks == nil {
		for _, s := range def.Steps {
			if len(s.Resources) > 0 {
				res.Status = txn.StatusFailed
				res.Err = fmt.Errorf("definition %q declares resource claims but manager has no lock manager", def.Name)
				res.CompletedAt = time.Now()
				return res
			}
		}
	}

	m.mu.Lock()
	m.active[res.ID] = res
	m.mu.Unlock()

	logger := m.log.With(zap.String("saga", res.ID), zap.String("definition", def.Name))
	m.setStatus(res, txn.StatusRunning)
	m.publish(events.SagaStarted, res.ID, map[string]any{"definition": def.Name})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnStartedCounter.Add(context.Background(), 1)
		m.cfg.Metrics.ActiveSagasUpDownCount.Add(context.Background(), 1)
	}
	defer m.finalize(res)

	output, completed, failedStep, failErr := m.runSteps(ctx, res, def, input, logger)
	if failErr == nil {
		m.complete(res, def, output, logger)
		m.mu.Lock()
		m.history[res.ID] = completed
		m.mu.Unlock()
		return m.seal(res)
	}
	m.compensate(res, def, completed, failedStep, failErr, logger)
	return m.seal(res)
}

// runSteps drives the plan's groups, evaluating each step's condition
// against the saga context. A false condition skips the step: it is
// neither executed nor compensated, and the current input flows through
// unchanged.
func (m *Manager) runSteps(ctx context.Context, res *Result, def *step.Definition, input any, logger *zap.Logger) (any, []step.Completed, string, error) {
	var completed []step.Completed
	current := input

	for _, group := range def.Plan() {
		if m.isCancelled(res.ID) {
			return nil, completed, "", &step.CancellationError{ID: res.ID}
		}
		if m.cfg.Timeout > 0 && time.Since(res.StartedAt) > m.cfg.Timeout {
			return nil, completed, "", &step.TimeoutError{Name: res.ID, Timeout: m.cfg.Timeout}
		}

		runnable := make([]step.Step, 0, len(group))
		for _, s := range group {
			if m.skipped(res, s, current) {
				logger.Debug("step skipped by condition", zap.String("step", s.Name))
				continue
			}
			runnable = append(runnable, s)
		}
		if len(runnable) == 0 {
			continue
		}

		if len(runnable) == 1 && len(group) == 1 {
			s := runnable[0]
			if err := m.acquireClaims(ctx, s, res.ID); err != nil {
				return nil, completed, s.Name, err
			}
			logger.Debug("executing step", zap.String("step", s.Name))
			out, err := step.Run(ctx, s, current)
			if err != nil {
				logger.Warn("step failed", zap.String("step", s.Name), zap.Error(err))
				return nil, completed, s.Name, err
			}
			completed = append(completed, step.Completed{Step: s, Input: current})
			m.recordCompleted(res, s.Name, out)
			current = out
			continue
		}

		outs, groupDone, failedName, err := m.runParallel(ctx, runnable, current, res, logger)
		completed = append(completed, groupDone...)
		if err != nil {
			return nil, completed, failedName, err
		}
		current = outs
	}
	return current, completed, "", nil
}

// skipped evaluates the step condition, recording a skip. A panicking
// condition counts as false.
func (m *Manager) skipped(res *Result, s step.Step, current any) bool {
	if s.Condition == nil {
		return false
	}
	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Warn("step condition panicked",
					zap.String("saga", res.ID), zap.String("step", s.Name), zap.Any("panic", r))
				ok = false
			}
		}()
		return s.Condition(step.Context{
			SagaID:          res.ID,
			StepName:        s.Name,
			Input:           current,
			PreviousResults: m.previousResults(res),
		})
	}()
	if ok {
		return false
	}
	m.mu.Lock()
	res.SkippedSteps = append(res.SkippedSteps, s.Name)
	m.mu.Unlock()
	return true
}

// runParallel fans the group out and joins on every member before the next
// group may start. Successful members are reported for compensation even
// when the group fails; the group output is a map keyed by step name.
func (m *Manager) runParallel(ctx context.Context, group []step.Step, input any, res *Result, logger *zap.Logger) (map[string]any, []step.Completed, string, error) {
	var (
		mu         sync.Mutex
		outs       = make(map[string]any, len(group))
		done       []step.Completed
		firstErr   error
		failedName string
		wg         sync.WaitGroup
	)

	for _, s := range group {
		wg.Add(1)
		go func(s step.Step) {
			defer wg.Done()
			if err := m.acquireClaims(ctx, s, res.ID); err != nil {
				mu.Lock()
				defer mu.Unlock()
				if firstErr == nil {
					firstErr, failedName = err, s.Name
				}
				return
			}
			out, err := step.Run(ctx, s, input)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("parallel step failed", zap.String("step", s.Name), zap.Error(err))
				if firstErr == nil {
					firstErr, failedName = err, s.Name
				}
				return
			}
			outs[s.Name] = out
			done = append(done, step.Completed{Step: s, Input: input})
		}(s)
	}
	wg.Wait()

	for _, c := range done {
		m.recordCompleted(res, c.Step.Name, outs[c.Step.Name])
	}
	return outs, done, failedName, firstErr
}

func (m *Manager) acquireClaims(ctx context.Context, s step.Step, sagaID string) error {
	for _, claim := range s.Resources {
		start := time.Now()
		if err := m.cfg.Locks.Acquire(ctx, claim.Key, claim.Mode, sagaID); err != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.LockConflictsCounter.Add(context.Background(), 1)
			}
			return err
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.LockWaitHistogram.Record(context.Background(), time.Since(start).Milliseconds())
		}
	}
	return nil
}

func (m *Manager) complete(res *Result, def *step.Definition, output any, logger *zap.Logger) {
	m.mu.Lock()
	res.Status = txn.StatusCompleted
	res.Output = output
	res.CompletedAt = time.Now()
	res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
	m.mu.Unlock()

	logger.Info("saga completed",
		zap.Int("steps", len(res.CompletedSteps)),
		zap.Duration("took", res.ExecutionTime))
	m.publish(events.SagaCompleted, res.ID, map[string]any{"steps": len(res.CompletedSteps)})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnCommittedCounter.Add(context.Background(), 1)
		m.cfg.Metrics.TxnDurationHistogram.Record(context.Background(), res.ExecutionTime.Milliseconds())
	}
	m.fireCommitHook(def, res)
}

// compensate walks the failure path: failed → compensating → compensated,
// with both intermediate states observable through ActiveSagas and Result.
func (m *Manager) compensate(res *Result, def *step.Definition, completed []step.Completed, failedStep string, failErr error, logger *zap.Logger) {
	m.mu.Lock()
	res.Status = txn.StatusFailed
	res.FailedStep = failedStep
	res.Err = failErr
	m.mu.Unlock()

	logger.Warn("saga failed", zap.String("failed_step", failedStep), zap.Error(failErr))
	m.publish(events.SagaFailed, res.ID, map[string]any{
		"failed_step": failedStep,
		"error":       failErr.Error(),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnFailedCounter.Add(context.Background(), 1)
	}

	if !def.RollbackEnabled() {
		m.mu.Lock()
		res.CompletedAt = time.Now()
		res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
		m.mu.Unlock()
		m.fireRollbackHook(def, res)
		return
	}

	m.setStatus(res, txn.StatusCompensating)
	m.publish(events.SagaCompensating, res.ID, map[string]any{"steps": len(completed)})

	failures := step.CompensateAll(completed, m.registry, res.ID, m.cfg.CompensationTimeout, logger)

	m.mu.Lock()
	res.Status = txn.StatusCompensated
	res.CompensationErrors = failures
	res.CompletedAt = time.Now()
	res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
	m.mu.Unlock()

	m.publish(events.SagaCompensated, res.ID, map[string]any{
		"compensated":         len(completed),
		"compensation_errors": len(failures),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.CompensationsCounter.Add(context.Background(), int64(len(completed)))
		m.cfg.Metrics.TxnDurationHistogram.Record(context.Background(), res.ExecutionTime.Milliseconds())
	}
	m.fireRollbackHook(def, res)
}

// Cancel marks the saga for cancellation. The mark is consulted before
// every step group; a cancelled saga is forced into the compensation path.
// An in-flight step completes normally first.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.active[id]
	if !ok {
		return fmt.Errorf("unknown saga %s", id)
	}
	if res.Status != txn.StatusRunning {
		return fmt.Errorf("saga %s is %s, only running sagas can be cancelled", id, res.Status)
	}
	m.cancelled[id] = struct{}{}
	return nil
}

// Compensate manually undoes a completed saga: its steps are compensated
// in reverse completion order, best-effort, moving the saga through the
// observable compensating state into compensated. Only sagas whose status
// is completed can be compensated this way; failed sagas are swept during
// Execute.
func (m *Manager) Compensate(id string) error {
	m.mu.Lock()
	sealed, ok := m.results[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown saga %s", id)
	}
	if sealed.Status != txn.StatusCompleted {
		m.mu.Unlock()
		return fmt.Errorf("saga %s is %s, only completed sagas can be compensated", id, sealed.Status)
	}
	completed := m.history[id]
	delete(m.history, id)

	// Work on a fresh snapshot so results already handed to callers stay
	// immutable; the saga reappears in ActiveSagas while compensating.
	res := sealed.clone()
	res.Status = txn.StatusCompensating
	m.results[id] = res
	m.active[id] = res
	m.mu.Unlock()

	logger := m.log.With(zap.String("saga", id), zap.String("definition", res.Name))
	m.publish(events.SagaCompensating, id, map[string]any{"steps": len(completed)})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSagasUpDownCount.Add(context.Background(), 1)
	}

	failures := step.CompensateAll(completed, m.registry, id, m.cfg.CompensationTimeout, logger)
	m.registry.ClearScope(id)

	m.mu.Lock()
	res.Status = txn.StatusCompensated
	res.CompensationErrors = failures
	res.CompletedAt = time.Now()
	res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
	delete(m.active, id)
	m.mu.Unlock()

	m.publish(events.SagaCompensated, id, map[string]any{
		"compensated":         len(completed),
		"compensation_errors": len(failures),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.CompensationsCounter.Add(context.Background(), int64(len(completed)))
		m.cfg.Metrics.ActiveSagasUpDownCount.Add(context.Background(), -1)
	}
	return nil
}

// RegisterCompensation records an out-of-band compensation under
// scope/key, consulted for completed steps that carry no Compensate.
func (m *Manager) RegisterCompensation(scope, key string, fn step.CompensateFunc) {
	m.registry.Register(scope, key, fn)
}

// ActiveSagas returns snapshots of every saga currently running or
// compensating.
func (m *Manager) ActiveSagas() []*Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Result, 0, len(m.active))
	for _, res := range m.active {
		if res.Status == txn.StatusRunning || res.Status == txn.StatusCompensating {
			out = append(out, res.clone())
		}
	}
	return out
}

// Result returns the terminal result for id, or a live snapshot while the
// saga is still in flight.
func (m *Manager) Result(id string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.active[id]; ok {
		return res.clone(), nil
	}
	if res, ok := m.results[id]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("unknown saga %s", id)
}

func (m *Manager) previousResults(res *Result) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := make(map[string]any, len(res.StepResults))
	for k, v := range res.StepResults {
		prev[k] = v
	}
	return prev
}

func (m *Manager) recordCompleted(res *Result, name string, out any) {
	m.mu.Lock()
	res.CompletedSteps = append(res.CompletedSteps, name)
	res.StepResults[name] = out
	m.mu.Unlock()
}

func (m *Manager) setStatus(res *Result, s txn.Status) {
	m.mu.Lock()
	res.Status = s
	m.mu.Unlock()
}

func (m *Manager) isCancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelled[id]
	return ok
}

// seal moves the live result into the terminal map and returns a caller
// copy.
func (m *Manager) seal(res *Result) *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := res.clone()
	m.results[res.ID] = snap
	return snap
}

// finalize runs exactly once per saga at its terminal transition: locks
// released after the compensation sweep, the cancellation mark cleared. A
// completed saga keeps its scope registrations and completion history so
// Compensate can still undo it later.
func (m *Manager) finalize(res *Result) {
	if m.cfg.Locks != nil {
		m.cfg.Locks.ReleaseAll(res.ID)
	}
	m.mu.Lock()
	completed := res.Status == txn.StatusCompleted
	delete(m.active, res.ID)
	delete(m.cancelled, res.ID)
	m.mu.Unlock()
	if !completed {
		m.registry.ClearScope(res.ID)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSagasUpDownCount.Add(context.Background(), -1)
	}
}

func (m *Manager) fireCommitHook(def *step.Definition, res *Result) {
	if def.OnCommit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("commit hook panicked", zap.String("saga", res.ID), zap.Any("panic", r))
		}
	}()
	def.OnCommit(context.Background(), res.ID, res.Output)
}

func (m *Manager) fireRollbackHook(def *step.Definition, res *Result) {
	if def.OnRollback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("rollback hook panicked", zap.String("saga", res.ID), zap.Any("panic", r))
		}
	}()
	def.OnRollback(context.Background(), res.ID, res.Err)
}

// publish emits a lifecycle event fire-and-forget.
func (m *Manager) publish(eventType, id string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("event publisher panicked", zap.Any("panic", r))
		}
	}()
	if err := m.cfg.Publisher.Publish(context.Background(), events.New(eventType, id, "saga", payload)); err != nil {
		m.log.Debug("event publish failed",
			zap.String("type", eventType), zap.String("saga", id), zap.Error(err))
	}
}
