package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockRefreshesOwnLock(t *testing.T) {
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	released, err := s.AcquireLock(ctx, EntityDocument, "1", "alice")
	require.NoError(t, err)
	assert.Zero(t, released)

	clock = clock.Add(time.Hour)
	released, err = s.AcquireLock(ctx, EntityDocument, "1", "alice")
	require.NoError(t, err)
	assert.Zero(t, released)

	lock, err := s.GetLock(ctx, EntityDocument, "1")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Owner)
	assert.True(t, lock.Since.Equal(clock), "since %s, want %s", lock.Since, clock)
}

func TestAcquireLockConflictReportsHolder(t *testing.T) {
	since := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return since }))
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, EntityDocument, "7", "alice")
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, EntityDocument, "7", "bob")
	require.ErrorIs(t, err, ErrLockConflict)

	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "alice", conflict.Owner)
	assert.True(t, conflict.Since.Equal(since))

	lock, err := s.GetLock(ctx, EntityDocument, "7")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Owner)
}

func TestAcquireLockReleasesOwnersOtherLocksOfSameType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, EntityDocument, "A", "alice")
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, EntityTagset, "stts", "alice")
	require.NoError(t, err)

	released, err := s.AcquireLock(ctx, EntityDocument, "B", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	_, err = s.GetLock(ctx, EntityDocument, "A")
	assert.ErrorIs(t, err, ErrNotFound)

	tagsetLock, err := s.GetLock(ctx, EntityTagset, "stts")
	require.NoError(t, err)
	assert.Equal(t, "alice", tagsetLock.Owner)

	// bob can now take A
	_, err = s.AcquireLock(ctx, EntityDocument, "A", "bob")
	require.NoError(t, err)
}

func TestReleaseLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, EntityDocument, "1", "alice")
	require.NoError(t, err)

	removed, err := s.ReleaseLock(ctx, EntityDocument, "1", "bob", false)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.ReleaseLock(ctx, EntityDocument, "1", "bob", true)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.ReleaseLock(ctx, EntityDocument, "1", "alice", false)
	require.NoError(t, err)
	assert.False(t, removed, "releasing a missing lock is a no-op")
}

func TestAcquireLockRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "folder", "1", "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.AcquireLock(ctx, EntityDocument, "1", " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentAcquireGrantsOneOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
		failures  []error
	)
	for i := 0; i < contenders; i++ {
		owner := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AcquireLock(ctx, EntityDocument, "contested", owner)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.Is(err, ErrLockConflict):
				conflicts++
			default:
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Len(t, winners, 1)
	assert.Equal(t, contenders-1, conflicts)
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM locks WHERE entity_type=$1 AND entity_id=$2`, EntityDocument, "contested"))

	lock, err := s.GetLock(ctx, EntityDocument, "contested")
	require.NoError(t, err)
	assert.Equal(t, winners[0], lock.Owner)
}

func TestListLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, EntityDocument, "1", "alice")
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, EntityTagset, "stts", "bob")
	require.NoError(t, err)

	all, err := s.ListLocks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tagsets, err := s.ListLocks(ctx, EntityTagset)
	require.NoError(t, err)
	require.Len(t, tagsets, 1)
	assert.Equal(t, "bob", tagsets[0].Owner)
}
