// Package redisstore is the shared-backend implementation of store.Store,
// used by every replica so dedup, locks, and worker-result passback hold
// across the deployment rather than per-process. Built on the go-redis/v9
// client, with compare-and-swap lease renewal/release done via embedded Lua
// scripts rather than separate GET-then-SET round trips.
package redisstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/forgeagent/controller/internal/store"
)

// renewScript extends a lease's TTL only if the caller's token still owns
// it, a compare-and-set so a lease re-acquired by another holder after
// expiry cannot be silently extended by a stale renewer.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// releaseScript deletes a lease only if the caller's token still owns it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const acquireSpinDelay = 100 * time.Millisecond

// Store is the Redis-backed implementation of store.Store.
type Store struct {
	client *redis.Client
}

// New connects to the shared store at redisURL.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid Redis URL")
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func (s *Store) IsSeen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, store.DedupKey(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis EXISTS failed")
	}
	return n > 0, nil
}

func (s *Store) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, store.DedupKey(key), "1", ttl).Err(); err != nil {
		return errors.Wrap(err, "redis SET failed")
	}
	return nil
}

// redisLease owns a lock key plus the per-acquire token that authorizes its
// renewal and release, and the goroutine that renews it at ~50% of ttl.
type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (store.Lease, error) {
	token := uuid.New().String()
	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis SETNX failed")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireSpinDelay):
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{client: s.client, key: key, token: token, ttl: ttl, cancel: cancel, done: make(chan struct{})}
	go lease.renewLoop(renewCtx)
	return lease, nil
}

func (l *redisLease) renewLoop(ctx context.Context) {
	defer close(l.done)
	interval := l.ttl / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed compare-and-set means the lease expired and was
			// re-acquired by another holder; not an error.
			_ = l.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Err()
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return errors.Wrap(err, "redis lease release failed")
	}
	return nil
}

func (s *Store) PutResult(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, store.ResultKey(taskID), payload, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis SET result failed")
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, taskID string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, store.ResultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis GET result failed")
	}
	return val, true, nil
}

var _ store.Store = (*Store)(nil)
