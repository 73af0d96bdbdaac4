package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var delIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided client. Both
// single node and cluster clients are accepted.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// SetIfAbsent implements Store.SetIfAbsent using SET NX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, redisErr(ctx, err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr(ctx, err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	if ttl < 0 {
		ttl = 0
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, key, value, ttl).Err(); err != nil {
		return redisErr(ctx, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return false, redisErr(ctx, err)
	}
	return n > 0, nil
}

// DeleteIfEqual implements CompareDeleter with a Lua script so the check and
// the delete happen atomically.
func (s *RedisStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := delIfEqualScript.Run(cctx, s.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, redisErr(ctx, err)
	}
	return n > 0, nil
}

// ctxErr maps the error of an ended caller context. Deadlines also match
// ErrTimeout; neither case means the store is unavailable.
func ctxErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", latcherrors.ErrTimeout, err)
	}
	return err
}

// redisErr classifies a failed Redis call. When the caller's context has
// ended that is reported instead; everything else means the store could not
// be reached.
func redisErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return ctxErr(cerr)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, latcherrors.ErrTimeout)
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, latcherrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, err)
}

var (
	_ Store          = (*RedisStore)(nil)
	_ CompareDeleter = (*RedisStore)(nil)
)
