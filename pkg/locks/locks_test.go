package locks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teivault/teivault/pkg/catalog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(Config{Path: filepath.Join(t.TempDir(), "locks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeClock lets tests move time forward past the TTL.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestAcquire(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t.Run("fresh lock", func(t *testing.T) {
		ok, err := m.Acquire(ctx, "AAAAAA", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("reentrant for the same session", func(t *testing.T) {
		ok, err := m.Acquire(ctx, "AAAAAA", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("denied for another session", func(t *testing.T) {
		ok, err := m.Acquire(ctx, "AAAAAA", "bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("independent keys do not interfere", func(t *testing.T) {
		ok, err := m.Acquire(ctx, "BBBBBB", "bob")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("empty arguments rejected", func(t *testing.T) {
		_, err := m.Acquire(ctx, "", "alice")
		assert.ErrorIs(t, err, catalog.ErrInvalidArgument)
		_, err = m.Acquire(ctx, "CCCCCC", "")
		assert.ErrorIs(t, err, catalog.ErrInvalidArgument)
	})
}

func TestTTLTakeover(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	m.SetClock(clock.now)

	ok, err := m.Acquire(ctx, "AAAAAA", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("live lock not takeable", func(t *testing.T) {
		clock.advance(DefaultTTL - time.Second)
		ok, err := m.Acquire(ctx, "AAAAAA", "bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stale lock taken over", func(t *testing.T) {
		clock.advance(2 * time.Second)
		ok, err := m.Acquire(ctx, "AAAAAA", "bob")
		require.NoError(t, err)
		assert.True(t, ok)

		status, err := m.Check(ctx, "AAAAAA")
		require.NoError(t, err)
		assert.True(t, status.IsLocked)
		assert.Equal(t, "bob", status.LockedBy)
	})

	t.Run("refresh resets the clock", func(t *testing.T) {
		clock.advance(DefaultTTL - time.Second)
		ok, err := m.Acquire(ctx, "AAAAAA", "bob")
		require.NoError(t, err)
		require.True(t, ok, "owner refresh")

		clock.advance(DefaultTTL - time.Second)
		ok, err = m.Acquire(ctx, "AAAAAA", "carol")
		require.NoError(t, err)
		assert.False(t, ok, "refresh pushed staleness out")
	})
}

func TestRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "AAAAAA", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("owner mismatch fails", func(t *testing.T) {
		err := m.Release(ctx, "AAAAAA", "bob")
		assert.ErrorIs(t, err, catalog.ErrConflict)
	})

	t.Run("owner releases", func(t *testing.T) {
		require.NoError(t, m.Release(ctx, "AAAAAA", "alice"))

		status, err := m.Check(ctx, "AAAAAA")
		require.NoError(t, err)
		assert.False(t, status.IsLocked)
	})

	t.Run("absent lock release is idempotent", func(t *testing.T) {
		assert.NoError(t, m.Release(ctx, "AAAAAA", "alice"))
		assert.NoError(t, m.Release(ctx, "ZZZZZZ", "anyone"))
	})
}

func TestCheckStaleReportsUnlocked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	m.SetClock(clock.now)

	ok, err := m.Acquire(ctx, "AAAAAA", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(DefaultTTL + time.Second)

	status, err := m.Check(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.False(t, status.IsLocked, "stale locks read as unlocked")
}

func TestActiveLocksAndCleanup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	m.SetClock(clock.now)

	for _, id := range []string{"AAAAAA", "BBBBBB"} {
		ok, err := m.Acquire(ctx, id, "alice")
		require.NoError(t, err)
		require.True(t, ok)
	}
	clock.advance(DefaultTTL + time.Second)
	ok, err := m.Acquire(ctx, "CCCCCC", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("stale locks filtered out", func(t *testing.T) {
		locks, err := m.ActiveLocks(ctx, "")
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "CCCCCC", locks[0].FileID)
	})

	t.Run("session filter", func(t *testing.T) {
		locks, err := m.ActiveLocks(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, locks)

		locks, err = m.ActiveLocks(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, locks, 1)
	})

	t.Run("cleanup purges stale rows", func(t *testing.T) {
		n, err := m.CleanupStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = m.CleanupStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestLockSurvivesContentChange(t *testing.T) {
	// The lock key is the stable ID, which outlives any content hash.
	// Nothing here references hashes at all; this test documents that
	// an edit flow only ever talks to the lock table by stable ID.
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "STABLE1", "editor")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulated content swap happens elsewhere; the lock is untouched.
	status, err := m.Check(ctx, "STABLE1")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, "editor", status.LockedBy)

	require.NoError(t, m.Release(ctx, "STABLE1", "editor"))
}
