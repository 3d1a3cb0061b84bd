package alias

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// addScript inserts an alias hash and its creation index entry unless the
// alias already exists.
//
// KEYS[1] alias hash, KEYS[2] creation index
// ARGV[1] address, ARGV[2] created date, ARGV[3] created day number, ARGV[4] alias
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'address', ARGV[1], 'created', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// purgeScript removes every alias whose creation day is below the cutoff.
//
// KEYS[1] creation index
// ARGV[1] cutoff day number, ARGV[2] alias key prefix
var purgeScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, alias in ipairs(expired) do
	redis.call('DEL', ARGV[2] .. alias)
	redis.call('ZREM', KEYS[1], alias)
end
return #expired
`)

// RedisStore is a Store backed by Redis. Each alias is a hash; a sorted set
// scored by creation day indexes them for the retention purge.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// OpenRedis connects to the Redis server at url (redis://...).
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client. The store takes ownership of client.
func NewRedis(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tracking-relay:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) aliasPrefix() string { return s.prefix + "alias:" }

func (s *RedisStore) aliasKey(alias string) string { return s.aliasPrefix() + alias }

func (s *RedisStore) indexKey() string { return s.prefix + "created" }

// dayNumber converts a calendar date into days since the Unix epoch.
func dayNumber(date string) (int64, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, err
	}
	return t.Unix() / 86400, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, realAddress, alias string, created time.Time) error {
	date := formatDate(created)
	day, err := dayNumber(date)
	if err != nil {
		return fmt.Errorf("failed to add alias %q: %w", alias, err)
	}

	added, err := addScript.Run(ctx, s.client,
		[]string{s.aliasKey(alias), s.indexKey()},
		realAddress, date, day, alias,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to add alias %q: %w", alias, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAlias, alias)
	}
	return nil
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, alias string) (string, error) {
	addr, err := s.client.HGet(ctx, s.aliasKey(alias), "address").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up alias %q: %w", alias, err)
	}
	return addr, nil
}

// PurgeExpired implements Store.
func (s *RedisStore) PurgeExpired(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	cutoff, err := cutoffDate(retentionDays, now)
	if err != nil {
		return 0, err
	}
	day, err := dayNumber(cutoff)
	if err != nil {
		return 0, err
	}

	n, err := purgeScript.Run(ctx, s.client, []string{s.indexKey()}, day, s.aliasPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to purge aliases: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
