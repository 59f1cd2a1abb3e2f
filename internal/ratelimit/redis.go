package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "licensegate:verify-failures:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps each window as a sorted set scored by epoch milliseconds,
// so that several server instances share one budget per requester.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// reserveScript prunes the window, counts it and adds the new member only
// while the count is under the limit. Returns {1} on success or {0, oldest}.
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {1}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest == 0 then
	return {0}
end
return {0, oldest[2]}
`)

func (s *RedisStore) Reserve(ctx context.Context, key, id string, at, since time.Time, max int, ttl time.Duration) (bool, time.Time, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		since.UnixMilli(), at.UnixMilli(), max, id, (ttl + time.Minute).Milliseconds()).Slice()
	if err != nil {
		return false, time.Time{}, err
	}
	if len(res) == 0 {
		return false, time.Time{}, fmt.Errorf("unexpected reserve reply %v", res)
	}
	if added, _ := res[0].(int64); added == 1 {
		return true, time.Time{}, nil
	}
	if len(res) < 2 {
		return false, time.Time{}, nil
	}
	raw, _ := res[1].(string)
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parse oldest score %q: %w", raw, err)
	}
	return false, time.UnixMilli(int64(score)), nil
}

func (s *RedisStore) Release(ctx context.Context, key, id string) error {
	return s.client.ZRem(ctx, redisKeyPrefix+key, id).Err()
}
