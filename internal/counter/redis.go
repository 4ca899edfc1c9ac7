package counter

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
)

// Increment and set the TTL on first touch in a single round trip. The TTL
// spans two full windows, which doubles as the retention sweep: counters
// for past windows expire on their own.
const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(incrementScript),
	}
}

func (s *RedisStore) IncrementAndGet(ctx context.Context, tenantID snowflake.ID, limitKey string, windowStart time.Time, window time.Duration) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrUnavailable
	}
	if limitKey == "" {
		return 0, errors.New("counter key is empty")
	}
	if window <= 0 {
		return 0, errors.New("counter window must be positive")
	}

	ttl := 2 * window
	count, err := s.script.Run(
		ctx,
		s.client,
		[]string{counterKey(tenantID, limitKey, windowStart)},
		int64(ttl/time.Millisecond),
	).Int64()
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return count, nil
}
