package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs the bucket refill-and-deduct atomically on the
// server. It composes only GET and SET with TTL, mirroring takeBucket.
// Times are microseconds; the returned wait is fractional seconds.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last = now
local v = redis.call('GET', KEYS[1])
if v then
	local sep = string.find(v, ':')
	tokens = tonumber(string.sub(v, 1, sep - 1))
	last = tonumber(string.sub(v, sep + 1))
end

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = tokens + elapsed / 1000000 * rate
if tokens > capacity then
	tokens = capacity
end

local allowed = 0
local wait = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
else
	wait = (cost - tokens) / rate
end

redis.call('SET', KEYS[1], tokens .. ':' .. now, 'PX', ttl)
return {allowed, tostring(tokens), tostring(wait)}
`)

type Redis struct {
	client *redis.Client
}

func NewRedis(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opt)}, nil
}

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if n == delta && ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Redis) TakeTokens(ctx context.Context, key string, capacity, refillPerSec, cost float64) (TakeResult, error) {
	ttl := bucketTTL(capacity, refillPerSec)
	raw, err := takeScript.Run(ctx, s.client, []string{key},
		capacity, refillPerSec, cost, time.Now().UnixMicro(), ttl.Milliseconds()).Result()
	if err != nil {
		return TakeResult{}, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return TakeResult{}, fmt.Errorf("unexpected bucket script reply: %v", raw)
	}

	allowed, _ := reply[0].(int64)
	remaining, err := replyFloat(reply[1])
	if err != nil {
		return TakeResult{}, err
	}
	wait, err := replyFloat(reply[2])
	if err != nil {
		return TakeResult{}, err
	}

	return TakeResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}

// replyFloat parses a Lua number returned as a string. Lua truncates
// numeric returns to integers, so the script stringifies floats.
func replyFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unexpected bucket script value: %v", v)
	}
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
