package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup_MarkSeenIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	seen, err := s.IsSeen(ctx, "review:42:7:abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen(ctx, "review:42:7:abc", time.Hour))
	require.NoError(t, s.MarkSeen(ctx, "review:42:7:abc", time.Hour))

	seen, err = s.IsSeen(ctx, "review:42:7:abc")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestDedup_ExpiresAfterTTL(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.MarkSeen(ctx, "note:1:2:3", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	seen, err := s.IsSeen(ctx, "note:1:2:3")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestAcquire_MutualExclusion(t *testing.T) {
	s := New()
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "lock:https://example.com/a.git", time.Minute)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l2, err := s.Acquire(ctx, "lock:https://example.com/a.git", time.Minute)
		require.NoError(t, err)
		close(acquired)
		_ = l2.Release(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while the first lease is held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lease.Release(ctx))
	<-acquired
}

func TestAcquire_ReleasedEntryIsEvicted(t *testing.T) {
	s := New()
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "lock:https://example.com/a.git", time.Minute)
	require.NoError(t, err)

	s.mu.Lock()
	assert.Len(t, s.locks, 1)
	s.mu.Unlock()

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "double release must be safe")

	s.mu.Lock()
	assert.Empty(t, s.locks, "an unlocked entry with no waiters must be evicted")
	s.mu.Unlock()
}

func TestAcquire_EntrySurvivesWhileWaiterQueued(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Acquire(ctx, "lock:k", time.Minute)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := s.Acquire(ctx, "lock:k", time.Minute)
		require.NoError(t, err)
		_ = second.Release(ctx)
		close(acquired)
	}()

	// Give the second acquirer time to queue behind the mutex, then hand
	// over: the entry must not be evicted out from under it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, first.Release(ctx))
	<-acquired

	s.mu.Lock()
	assert.Empty(t, s.locks)
	s.mu.Unlock()
}

func TestResultStore_PutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.GetResult(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutResult(ctx, "task-1", []byte(`{"kind":"review"}`), time.Hour))

	payload, ok, err := s.GetResult(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"kind":"review"}`, string(payload))
}
