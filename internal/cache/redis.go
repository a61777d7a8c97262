package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the narrow client for the shared cache tier. All backend
// failures are wrapped as ErrTierUnavailable so the manager can degrade
// uniformly.
type RedisClient struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions configures the shared tier connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisClient creates a shared-tier client. The connection is verified
// lazily; callers that want an eager check use Ping.
func NewRedisClient(opts *RedisOptions) *RedisClient {
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		keyPrefix: opts.KeyPrefix,
	}
}

// NewRedisClientFromExisting wraps an already-constructed go-redis client.
// Used by tests running against miniredis.
func NewRedisClientFromExisting(client *redis.Client, keyPrefix string) *RedisClient {
	return &RedisClient{client: client, keyPrefix: keyPrefix}
}

func (r *RedisClient) key(k string) string {
	return r.keyPrefix + k
}

func (r *RedisClient) tagKey(tag string) string {
	return r.keyPrefix + "tag:" + tag
}

// Get retrieves a value. Returns (nil, false, nil) on a clean miss.
func (r *RedisClient) Get(ctx context.Context, key string) (interface{}, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrTierUnavailable, key, err)
	}

	var value interface{}
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value with the given TTL (ttl <= 0 means no expiry) and
// registers the key under each tag for tag-based invalidation.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags []string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if ttl < 0 {
		ttl = 0
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(key), data, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, r.tagKey(tag), r.key(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrTierUnavailable, key, err)
	}
	return nil
}

// Delete removes keys and returns how many existed.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	n, err := r.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: delete: %v", ErrTierUnavailable, err)
	}
	return int(n), nil
}

// DeleteByPattern removes keys matching the single-wildcard pattern via
// SCAN and returns the count removed.
func (r *RedisClient) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, r.key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: delete by pattern: %v", ErrTierUnavailable, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: scan %s: %v", ErrTierUnavailable, pattern, err)
	}
	return removed, nil
}

// DeleteByTags removes all keys registered under the given tags together
// with the tag sets themselves. Returns the count of value keys removed and
// the affected keys (unprefixed) so other tiers can drop their copies too.
func (r *RedisClient) DeleteByTags(ctx context.Context, tags []string) (int, []string, error) {
	removed := 0
	var affected []string
	for _, tag := range tags {
		members, err := r.client.SMembers(ctx, r.tagKey(tag)).Result()
		if err != nil {
			return removed, affected, fmt.Errorf("%w: tag members %s: %v", ErrTierUnavailable, tag, err)
		}
		if len(members) > 0 {
			n, err := r.client.Del(ctx, members...).Result()
			if err != nil {
				return removed, affected, fmt.Errorf("%w: delete by tag %s: %v", ErrTierUnavailable, tag, err)
			}
			removed += int(n)
			for _, member := range members {
				affected = append(affected, strings.TrimPrefix(member, r.keyPrefix))
			}
		}
		if err := r.client.Del(ctx, r.tagKey(tag)).Err(); err != nil {
			return removed, affected, fmt.Errorf("%w: drop tag set %s: %v", ErrTierUnavailable, tag, err)
		}
	}
	return removed, affected, nil
}

// TTL returns the remaining lifetime of a key. Zero means no expiry.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %s: %v", ErrTierUnavailable, key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Ping verifies connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrTierUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
