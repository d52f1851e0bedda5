package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setupManager creates a manager with the given strategy and short wait
// bounds suitable for tests.
func setupManager(t *testing.T, strategy Strategy) *Manager {
	t.Helper()
	return NewManager(Config{
		Strategy:    strategy,
		WaitTimeout: 200 * time.Millisecond,
	}, Hooks{})
}

func TestAcquire_ExclusiveConflictFailsFast(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))

	err := m.Acquire(context.Background(), "r1", Exclusive, "tx-b")
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "r1", conflict.Key)
	require.Equal(t, "tx-a", conflict.Holder)

	// After the holder releases, the denied transaction succeeds.
	require.NoError(t, m.Release("r1", "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-b"))
}

func TestAcquire_SharedHoldersCoexist(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-b"))

	// A shared entry excludes any exclusive request.
	err := m.Acquire(context.Background(), "r1", Exclusive, "tx-c")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, m.Release("r1", "tx-a"))
	require.NoError(t, m.Release("r1", "tx-b"))
	require.False(t, m.IsLocked("r1"))
}

func TestAcquire_SharedDeniedUnderExclusive(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
	err := m.Acquire(context.Background(), "r1", Shared, "tx-b")
	require.Error(t, err)
}

func TestAcquire_Reentrant(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-a"))
}

func TestAcquire_SoleSharedHolderUpgrades(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))

	// The upgraded lock now excludes other shared requests.
	err := m.Acquire(context.Background(), "r1", Shared, "tx-b")
	require.Error(t, err)
}

func TestAcquire_UpgradeDeniedWithOtherHolders(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-b"))
	require.Error(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
}

func TestAcquire_WaitStrategySucceedsAfterRelease(t *testing.T) {
	m := NewManager(Config{
		Strategy:    Wait,
		WaitTimeout: time.Second,
	}, Hooks{})

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, m.Release("r1", "tx-a"))
	}()

	err := m.Acquire(context.Background(), "r1", Exclusive, "tx-b")
	require.NoError(t, err)
	wg.Wait()

	holder, ok := m.Holder("r1")
	require.True(t, ok)
	require.Equal(t, "tx-b", holder)
}

func TestAcquire_WaitStrategyTimesOut(t *testing.T) {
	m := NewManager(Config{
		Strategy:    Wait,
		WaitTimeout: 50 * time.Millisecond,
	}, Hooks{})

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))

	err := m.Acquire(context.Background(), "r1", Exclusive, "tx-b")
	require.Error(t, err)
	var timeout *WaitTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Contains(t, err.Error(), "timed out")
}

func TestAcquire_WaitHonorsContextCancellation(t *testing.T) {
	m := NewManager(Config{
		Strategy:    Wait,
		WaitTimeout: 5 * time.Second,
	}, Hooks{})

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "r1", Exclusive, "tx-b")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_UnknownHolder(t *testing.T) {
	m := setupManager(t, Fail)
	require.Error(t, m.Release("r1", "tx-a"))

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
	require.Error(t, m.Release("r1", "tx-b"))
}

func TestReleaseAll(t *testing.T) {
	m := setupManager(t, Fail)

	require.NoError(t, m.Acquire(context.Background(), "r1", Exclusive, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r2", Shared, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r2", Shared, "tx-b"))

	require.Equal(t, 2, m.ReleaseAll("tx-a"))
	require.False(t, m.IsLocked("r1"))
	require.True(t, m.IsLocked("r2")) // tx-b still holds r2

	require.Equal(t, 0, m.ReleaseAll("tx-a"))
}

func TestHolder_Diagnostics(t *testing.T) {
	m := setupManager(t, Fail)

	_, ok := m.Holder("r1")
	require.False(t, ok)

	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-a"))
	require.NoError(t, m.Acquire(context.Background(), "r1", Shared, "tx-b"))
	holder, ok := m.Holder("r1")
	require.True(t, ok)
	require.Equal(t, "tx-a", holder) // first holder
}
