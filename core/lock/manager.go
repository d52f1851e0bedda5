package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls Manager behavior. Zero values get sensible defaults.
type Config struct {
	// Strategy applies when a request conflicts. Default: Wait.
	Strategy Strategy
	// WaitTimeout bounds how long an acquisition may wait under the Wait
	// strategy. Default: 5s.
	WaitTimeout time.Duration
	// RetryDelay is the base poll delay while waiting. Default: 1ms.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backed-off poll delay. Default: 50ms.
	MaxRetryDelay time.Duration
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Hooks let callers wire metrics without coupling the manager to a metrics
// library. Any field may be nil. Hooks run inline; keep them cheap.
type Hooks struct {
	OnAcquired func(key string, mode Mode)
	OnConflict func(key string, mode Mode)
	OnReleased func(key string)
	OnWaited   func(key string, waited time.Duration)
}

// Manager owns the lock table. A process may host several independent
// managers; each transaction manager is constructed with its own (or a
// shared one, when transactions and sagas must contend for the same keys).
type Manager struct {
	mu    sync.Mutex
	table map[string]*entry
	cfg   Config
	hooks Hooks
	log   *zap.Logger
}

// NewManager creates a lock manager with an empty table.
func NewManager(cfg Config, hooks Hooks) *Manager {
	cfg.setDefaults()
	return &Manager{
		table: make(map[string]*entry),
		cfg:   cfg,
		hooks: hooks,
		log:   cfg.Logger,
	}
}

// Acquire obtains a lock on key for txID. Re-acquisition by a holder whose
// current mode already satisfies the request is idempotent, and a sole
// shared holder requesting exclusive is upgraded in place. On conflict the
// configured strategy decides: Fail errors immediately, Wait polls with
// capped exponential backoff until granted, the wait timeout elapses, or
// ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context, key string, mode Mode, txID string) error {
	if txID == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if m.tryAcquire(key, mode, txID) {
		return nil
	}
	if m.cfg.Strategy == Fail {
		holder, _ := m.Holder(key)
		if m.hooks.OnConflict != nil {
			m.hooks.OnConflict(key, mode)
		}
		return &ConflictError{Key: key, Mode: mode, Holder: holder}
	}
	return m.waitAcquire(ctx, key, mode, txID)
}

// waitAcquire polls tryAcquire with capped exponential backoff until the
// wait timeout elapses.
func (m *Manager) waitAcquire(ctx context.Context, key string, mode Mode, txID string) error {
	start := time.Now()
	deadline := start.Add(m.cfg.WaitTimeout)
	delay := m.cfg.RetryDelay

	for attempt := 0; ; attempt++ {
		if m.tryAcquire(key, mode, txID) {
			if m.hooks.OnWaited != nil {
				m.hooks.OnWaited(key, time.Since(start))
			}
			return nil
		}
		if time.Now().After(deadline) {
			if m.hooks.OnConflict != nil {
				m.hooks.OnConflict(key, mode)
			}
			m.log.Debug("lock wait timed out",
				zap.String("key", key), zap.String("txn", txID))
			return &WaitTimeoutError{Key: key, Timeout: m.cfg.WaitTimeout}
		}

		current := retryDelay(attempt, delay, m.cfg.MaxRetryDelay)
		t := time.NewTimer(current)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("lock wait on %q: %w", key, ctx.Err())
		}
	}
}

// retryDelay grows the poll delay gradually, doubling every few attempts
// with a hard cap.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	factor := min(attempt/5, 5)
	return min(base<<uint(factor), max)
}

// tryAcquire attempts a single grant under the table mutex.
func (m *Manager) tryAcquire(key string, mode Mode, txID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[key]
	if !ok {
		e = &entry{mode: mode, holders: make(map[string]struct{})}
		e.add(txID)
		m.table[key] = e
		m.granted(key, mode, txID)
		return true
	}

	if e.holds(txID) {
		if e.mode == Exclusive || mode == Shared {
			return true
		}
		// Shared-to-exclusive upgrade, only as the sole holder.
		if len(e.holders) == 1 {
			e.mode = Exclusive
			m.granted(key, mode, txID)
			return true
		}
		return false
	}

	if mode == Shared && e.mode == Shared {
		e.add(txID)
		m.granted(key, mode, txID)
		return true
	}
	return false
}

func (m *Manager) granted(key string, mode Mode, txID string) {
	m.log.Debug("lock acquired",
		zap.String("key", key), zap.Stringer("mode", mode), zap.String("txn", txID))
	if m.hooks.OnAcquired != nil {
		m.hooks.OnAcquired(key, mode)
	}
}

// Release removes txID from key's holder set, deleting the entry when no
// holders remain.
func (m *Manager) Release(key, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[key]
	if !ok || !e.holds(txID) {
		return fmt.Errorf("transaction %s holds no lock on %q", txID, key)
	}
	e.remove(txID)
	if len(e.holders) == 0 {
		delete(m.table, key)
	}
	if m.hooks.OnReleased != nil {
		m.hooks.OnReleased(key)
	}
	return nil
}

// ReleaseAll releases every lock held by txID and returns how many were
// released. Managers call this exactly once per terminal transaction state
// so locks never leak.
func (m *Manager) ReleaseAll(txID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for key, e := range m.table {
		if !e.holds(txID) {
			continue
		}
		e.remove(txID)
		if len(e.holders) == 0 {
			delete(m.table, key)
		}
		released++
		if m.hooks.OnReleased != nil {
			m.hooks.OnReleased(key)
		}
	}
	if released > 0 {
		m.log.Debug("released all locks",
			zap.String("txn", txID), zap.Int("count", released))
	}
	return released
}

// IsLocked reports whether any holder exists for key.
func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table[key]
	return ok
}

// Holder returns the first holder of key. For shared locks the choice of
// holder is arbitrary; this is for diagnostics only.
func (m *Manager) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[key]
	if !ok || len(e.order) == 0 {
		return "", false
	}
	return e.order[0], true
}
