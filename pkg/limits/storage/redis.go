package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"luneo-hq/guardian/pkg/limits"
)

// incrementIfUnderScript checks and increments in one server-side step.
// KEYS[1] counter, ARGV[1] units, ARGV[2] limit, ARGV[3] ttl in ms.
// Returns {admitted, count}.
var incrementIfUnderScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local units = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + units > limit then
  return {0, current}
end
local n = redis.call('INCRBY', KEYS[1], units)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {1, n}
`)

// incrementScript adds unconditionally and sets the expiry on first write.
var incrementScript = goredis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

// decrementScript subtracts, floors at zero and keeps the existing expiry.
// Missing keys are left absent.
var decrementScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local n = tonumber(raw) - tonumber(ARGV[1])
if n < 0 then
  n = 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], n, 'PX', ttl)
else
  redis.call('SET', KEYS[1], n)
end
return n
`)

// RedisStore implements CounterStore on Redis for multi-instance
// deployments. Each mutation is a single Lua script, so concurrent
// admissions from different processes cannot overshoot a limit.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// Addr is host:port.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces every key.
	// Default: "guardian:"
	KeyPrefix string

	// PoolSize is the maximum number of connections.
	// Default: 10 per CPU (go-redis default)
	PoolSize int
}

// NewRedisStore connects to Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of client; Close does not close it.
func NewRedisStoreWithClient(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "guardian:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", limits.ErrStoreUnavailable, op, err)
}

// IncrementIfUnder runs the check-and-increment script.
func (r *RedisStore) IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error) {
	if key == "" {
		return IncrementResult{}, fmt.Errorf("key cannot be empty")
	}

	vals, err := incrementIfUnderScript.Run(ctx, r.client, []string{r.key(key)}, units, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return IncrementResult{}, unavailable("increment-if-under", err)
	}
	if len(vals) != 2 {
		return IncrementResult{}, unavailable("increment-if-under", fmt.Errorf("unexpected reply length %d", len(vals)))
	}
	return newResult(vals[0] == 1, vals[1], limit), nil
}

// Increment adds units unconditionally.
func (r *RedisStore) Increment(ctx context.Context, key string, units int64, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	n, err := incrementScript.Run(ctx, r.client, []string{r.key(key)}, units, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return n, nil
}

// Decrement subtracts units, flooring at zero.
func (r *RedisStore) Decrement(ctx context.Context, key string, units int64) (int64, error) {
	n, err := decrementScript.Run(ctx, r.client, []string{r.key(key)}, units).Int64()
	if err != nil {
		return 0, unavailable("decrement", err)
	}
	return n, nil
}

// Get returns the current count.
func (r *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get", err)
	}
	return n, nil
}

// Delete removes key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client if the store created it.
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
