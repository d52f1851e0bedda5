package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/events"
	"github.com/sushant-115/gojotx/core/lock"
	"github.com/sushant-115/gojotx/core/step"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Config controls Manager behavior. Locks, Publisher, and Metrics are all
// optional collaborators.
type Config struct {
	// Locks grants step resource claims. Required only when definitions
	// declare claims.
	Locks *lock.Manager
	// Publisher receives lifecycle events, fire-and-forget.
	Publisher events.Publisher
	// Metrics records counters and durations. Nil records nothing.
	Metrics *internaltelemetry.CoreMetrics
	// DefaultTimeout applies to executions begun without an explicit
	// timeout. Zero means unbounded.
	DefaultTimeout time.Duration
	// CompensationTimeout bounds each compensation call. Default: 30s.
	CompensationTimeout time.Duration
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
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

// execution is the manager's bookkeeping for one in-flight context.
type execution struct {
	txc       *Context
	status    Status
	cancelled atomic.Bool
}

// Manager runs definitions through the transaction state machine. Safe for
// concurrent use; each execution is owned by the goroutine driving it.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	registry *step.CompensationRegistry

	mu         sync.Mutex
	executions map[string]*execution
	results    map[string]*Result
	closed     bool
}

// NewManager creates a transaction manager. A process may host several
// independent managers, each with its own lock table and registries.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		registry:   step.NewCompensationRegistry(),
		executions: make(map[string]*execution),
		results:    make(map[string]*Result),
	}
}

// Close stops the manager from accepting new executions. In-flight
// executions run to their terminal states.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("manager already closed")
	}
	m.closed = true
	return nil
}

// Begin opens a new execution context. It fails only when the manager is
// closed.
func (m *Manager) Begin(opts BeginOptions) (*Context, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	txc := &Context{
		ID:        uuid.NewString(),
		Isolation: opts.Isolation,
		StartedAt: time.Now(),
		Timeout:   timeout,
		Metadata:  opts.Metadata,
	}
	e := &execution{txc: txc, status: StatusPending}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	m.executions[txc.ID] = e
	m.mu.Unlock()

	m.log.Debug("transaction begun",
		zap.String("txn", txc.ID), zap.String("isolation", txc.Isolation))
	m.publish(events.TxnStarted, txc.ID, nil)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnStartedCounter.Add(context.Background(), 1)
	}
	return txc, nil
}

// Execute runs the definition end to end: begin, steps in plan order,
// commit or rollback. All failure modes are represented in the returned
// Result; the error return covers only invalid definitions or a closed
// manager.
func (m *Manager) Execute(ctx context.Context, def *step.Definition, input any) (*Result, error) {
	return m.ExecuteWith(ctx, def, input, BeginOptions{})
}

// ExecuteWith is Execute with explicit begin options.
func (m *Manager) ExecuteWith(ctx context.Context, def *step.Definition, input any, opts BeginOptions) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.Locks == nil && definitionClaims(def) {
		return nil, fmt.Errorf("definition %q declares resource claims but manager has no lock manager", def.Name)
	}
	txc, err := m.Begin(opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	e := m.executions[txc.ID]
	m.mu.Unlock()
	return m.run(ctx, e, def, input), nil
}

func definitionClaims(def *step.Definition) bool {
	for _, s := range def.Steps {
		if len(s.Resources) > 0 {
			return true
		}
	}
	return false
}

// run drives all step groups and fixes the terminal state. Lock release and
// registry cleanup happen in the deferred finalize, after any compensation
// sweep, exactly once regardless of how run exits.
func (m *Manager) run(ctx context.Context, e *execution, def *step.Definition, input any) *Result {
	txc := e.txc
	logger := m.log.With(zap.String("txn", txc.ID), zap.String("definition", def.Name))
	m.setStatus(e, StatusRunning)
	defer m.finalize(txc.ID)

	output, completed, failedStep, failErr := m.runSteps(ctx, e, def, input, logger)
	if failErr == nil {
		return m.commit(e, def, output, logger)
	}
	return m.rollback(e, def, completed, failedStep, failErr, logger)
}

// runSteps executes the plan's groups in order, chaining each group's
// output into the next group's input. It returns every step that completed,
// in completion order, so a failure can be compensated correctly.
func (m *Manager) runSteps(ctx context.Context, e *execution, def *step.Definition, input any, logger *zap.Logger) (any, []step.Completed, string, error) {
	txc := e.txc
	var completed []step.Completed
	current := input

	for _, group := range def.Plan() {
		if e.cancelled.Load() {
			return nil, completed, "", &step.CancellationError{ID: txc.ID}
		}
		if txc.Timeout > 0 && time.Since(txc.StartedAt) > txc.Timeout {
			return nil, completed, "", &step.TimeoutError{Name: txc.ID, Timeout: txc.Timeout}
		}

		if len(group) == 1 {
			s := group[0]
			if err := m.acquireClaims(ctx, s, txc.ID); err != nil {
				return nil, completed, s.Name, err
			}
			logger.Debug("executing step", zap.String("step", s.Name))
			out, err := step.Run(ctx, s, current)
			if err != nil {
				logger.Warn("step failed", zap.String("step", s.Name), zap.Error(err))
				return nil, completed, s.Name, err
			}
			completed = append(completed, step.Completed{Step: s, Input: current})
			m.recordCompleted(txc, s.Name)
			current = out
			continue
		}

		outs, groupDone, failedName, err := m.runParallel(ctx, group, current, txc.ID, logger)
		completed = append(completed, groupDone...)
		for _, c := range groupDone {
			m.recordCompleted(txc, c.Step.Name)
		}
		if err != nil {
			return nil, completed, failedName, err
		}
		current = outs
	}
	return current, completed, "", nil
}

// runParallel fans the group out and joins on every member: the join is a
// hard barrier, so even after a member fails the rest run to resolution.
// Successful members are reported for compensation; the group's output is a
// map keyed by step name.
func (m *Manager) runParallel(ctx context.Context, group []step.Step, input any, txID string, logger *zap.Logger) (map[string]any, []step.Completed, string, error) {
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
			if err := m.acquireClaims(ctx, s, txID); err != nil {
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

	return outs, done, failedName, firstErr
}

// acquireClaims takes the step's declared locks. Claims stay held until the
// execution's terminal state.
func (m *Manager) acquireClaims(ctx context.Context, s step.Step, txID string) error {
	for _, claim := range s.Resources {
		start := time.Now()
		if err := m.cfg.Locks.Acquire(ctx, claim.Key, claim.Mode, txID); err != nil {
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

func (m *Manager) commit(e *execution, def *step.Definition, output any, logger *zap.Logger) *Result {
	txc := e.txc
	m.setStatus(e, StatusCommitted)

	res := m.snapshot(txc, StatusCommitted)
	res.Output = output
	m.storeResult(res)

	logger.Info("transaction committed",
		zap.Int("steps", len(res.CompletedSteps)),
		zap.Duration("took", res.ExecutionTime))
	m.publish(events.TxnCommitted, txc.ID, map[string]any{"steps": len(res.CompletedSteps)})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnCommittedCounter.Add(context.Background(), 1)
		m.cfg.Metrics.TxnDurationHistogram.Record(context.Background(), res.ExecutionTime.Milliseconds())
	}
	m.fireCommitHook(def, txc.ID, output)
	return res
}

func (m *Manager) rollback(e *execution, def *step.Definition, completed []step.Completed, failedStep string, failErr error, logger *zap.Logger) *Result {
	txc := e.txc
	m.mu.Lock()
	txc.FailedStep = failedStep
	txc.CompensationRequired = def.RollbackEnabled() && len(completed) > 0
	m.mu.Unlock()

	m.setStatus(e, StatusFailed)
	logger.Warn("transaction failed",
		zap.String("failed_step", failedStep), zap.Error(failErr))
	m.publish(events.TxnFailed, txc.ID, map[string]any{
		"failed_step": failedStep,
		"error":       failErr.Error(),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnFailedCounter.Add(context.Background(), 1)
	}

	terminal := StatusFailed
	var compFailures []step.CompensationFailure
	if def.RollbackEnabled() {
		m.setStatus(e, StatusCompensating)
		compFailures = step.CompensateAll(completed, m.registry, txc.ID, m.cfg.CompensationTimeout, logger)
		m.setStatus(e, StatusCompensated)
		terminal = StatusCompensated
		m.publish(events.TxnCompensated, txc.ID, map[string]any{
			"compensated":         len(completed),
			"compensation_errors": len(compFailures),
		})
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.CompensationsCounter.Add(context.Background(), int64(len(completed)))
		}
	}

	res := m.snapshot(txc, terminal)
	res.Err = failErr
	res.CompensationErrors = compFailures
	m.storeResult(res)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnDurationHistogram.Record(context.Background(), res.ExecutionTime.Milliseconds())
	}
	m.fireRollbackHook(def, txc.ID, failErr)
	return res
}

// Hooks fire after the terminal state is fixed; a panicking hook must not
// disturb the already-decided outcome.
func (m *Manager) fireCommitHook(def *step.Definition, id string, output any) {
	if def.OnCommit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("commit hook panicked", zap.String("txn", id), zap.Any("panic", r))
		}
	}()
	def.OnCommit(context.Background(), id, output)
}

func (m *Manager) fireRollbackHook(def *step.Definition, id string, cause error) {
	if def.OnRollback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("rollback hook panicked", zap.String("txn", id), zap.Any("panic", r))
		}
	}()
	def.OnRollback(context.Background(), id, cause)
}

// Commit explicitly completes an execution the caller drove phase by phase
// via Begin. Locks are released and out-of-band compensations discarded.
func (m *Manager) Commit(id string) error {
	m.mu.Lock()
	e, ok := m.executions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown transaction %s", id)
	}
	if e.status != StatusPending && e.status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, cannot commit", id, e.status)
	}
	e.status = StatusCommitted
	m.mu.Unlock()

	res := m.snapshot(e.txc, StatusCommitted)
	m.storeResult(res)
	m.finalize(id)
	m.publish(events.TxnCommitted, id, nil)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnCommittedCounter.Add(context.Background(), 1)
	}
	return nil
}

// Rollback explicitly aborts a phase-driven execution, running every
// compensation registered out-of-band under the transaction's scope in
// reverse registration order.
func (m *Manager) Rollback(id string) error {
	m.mu.Lock()
	e, ok := m.executions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown transaction %s", id)
	}
	if e.status != StatusPending && e.status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, cannot rollback", id, e.status)
	}
	e.status = StatusCompensating
	m.mu.Unlock()

	logger := m.log.With(zap.String("txn", id))
	var toCompensate []step.Completed
	for _, entry := range m.registry.Entries(id) {
		toCompensate = append(toCompensate, step.Completed{
			Step: step.Step{Name: entry.Key, Compensate: entry.Fn},
		})
	}
	compFailures := step.CompensateAll(toCompensate, nil, id, m.cfg.CompensationTimeout, logger)

	m.setStatusByID(id, StatusCompensated)
	res := m.snapshot(e.txc, StatusCompensated)
	res.CompensationErrors = compFailures
	m.storeResult(res)
	m.finalize(id)
	m.publish(events.TxnFailed, id, map[string]any{"explicit_rollback": true})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TxnFailedCounter.Add(context.Background(), 1)
	}
	return nil
}

// Cancel requests cooperative cancellation. Only running executions can be
// cancelled; an in-flight step completes normally and the flag is honored
// before the next step begins.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("unknown transaction %s", id)
	}
	if e.status != StatusRunning {
		return fmt.Errorf("transaction %s is %s, only running transactions can be cancelled", id, e.status)
	}
	e.cancelled.Store(true)
	return nil
}

// RegisterCompensation records an out-of-band compensation consulted during
// rollback for steps without their own Compensate, and by explicit
// Rollback.
func (m *Manager) RegisterCompensation(scope, key string, fn step.CompensateFunc) {
	m.registry.Register(scope, key, fn)
}

// Result returns the terminal result for id, or a live snapshot for an
// execution still in flight.
func (m *Manager) Result(id string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[id]; ok {
		return res, nil
	}
	if e, ok := m.executions[id]; ok {
		snap := newResult(e.txc, e.status)
		snap.CompletedAt = time.Time{}
		snap.ExecutionTime = 0
		return snap, nil
	}
	return nil, fmt.Errorf("unknown transaction %s", id)
}

func (m *Manager) recordCompleted(txc *Context, name string) {
	m.mu.Lock()
	txc.CompletedSteps = append(txc.CompletedSteps, name)
	m.mu.Unlock()
}

// snapshot builds a Result under the manager mutex so concurrent Result
// calls observe a consistent context.
func (m *Manager) snapshot(txc *Context, status Status) *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newResult(txc, status)
}

func (m *Manager) setStatus(e *execution, s Status) {
	m.mu.Lock()
	e.status = s
	m.mu.Unlock()
}

func (m *Manager) setStatusByID(id string, s Status) {
	m.mu.Lock()
	if e, ok := m.executions[id]; ok {
		e.status = s
	}
	m.mu.Unlock()
}

func (m *Manager) storeResult(res *Result) {
	m.mu.Lock()
	m.results[res.ID] = res
	m.mu.Unlock()
}

// finalize runs exactly once per execution at its terminal transition:
// locks released after any compensation sweep, scope registrations cleared,
// bookkeeping dropped.
func (m *Manager) finalize(id string) {
	if m.cfg.Locks != nil {
		m.cfg.Locks.ReleaseAll(id)
	}
	m.registry.ClearScope(id)
	m.mu.Lock()
	delete(m.executions, id)
	m.mu.Unlock()
}

// publish emits a lifecycle event fire-and-forget: failures and panics are
// logged and swallowed, never surfaced as transaction failures.
func (m *Manager) publish(eventType, id string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("event publisher panicked", zap.Any("panic", r))
		}
	}()
	if err := m.cfg.Publisher.Publish(context.Background(), events.New(eventType, id, "transaction", payload)); err != nil {
		m.log.Debug("event publish failed",
			zap.String("type", eventType), zap.String("txn", id), zap.Error(err))
	}
}
