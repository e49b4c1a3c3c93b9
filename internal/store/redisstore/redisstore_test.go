package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	return s
}

func TestDedup_MarkSeenThenIsSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.IsSeen(ctx, "review:42:7:abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen(ctx, "review:42:7:abc", time.Minute))

	seen, err = s.IsSeen(ctx, "review:42:7:abc")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAcquire_SecondCallerBlocksUntilReleased(t *testing.T) {
	s := newTestStore(t)

	lease, err := s.Acquire(context.Background(), "lock:42", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "lock:42", time.Minute)
	assert.Error(t, err, "lock is held, a bounded-context acquire attempt should time out")

	require.NoError(t, lease.Release(context.Background()))

	released, err := s.Acquire(context.Background(), "lock:42", time.Minute)
	require.NoError(t, err)
	require.NoError(t, released.Release(context.Background()))
}

func TestAcquire_StaleLockFromCrashedHolderExpiresAndIsReacquirable(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New("redis://" + mr.Addr())
	require.NoError(t, err)

	// A crashed holder never reaches its renew loop's first tick, so set the
	// key directly rather than through Acquire to model that.
	require.NoError(t, s.client.SetNX(context.Background(), "lock:42", "crashed-holder-token", 200*time.Millisecond).Err())

	mr.FastForward(300 * time.Millisecond)

	lease, err := s.Acquire(context.Background(), "lock:42", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
}

func TestPutGetResult_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetResult(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutResult(ctx, "task-1", []byte(`{"kind":"review"}`), time.Minute))

	payload, ok, err := s.GetResult(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"kind":"review"}`, string(payload))
}
