package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig 描述共享缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache 把查询结果保存在 Redis 中，供多个进程共享。
// 键的过期时间与发现服务的缓存有效期一致。
type RedisCache struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedisCache 连接 Redis 并返回缓存实例。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	cache := NewRedisCacheWithClient(client, cfg.Prefix, cfg.TTL)
	cache.closer = client.Close
	return cache, nil
}

// NewRedisCacheWithClient 复用已有的客户端。
func NewRedisCacheWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "acp:discovery:"
	}
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get 实现 Cache 接口。
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("解析 Redis 缓存失败: %w", err)
	}
	return entry, true, nil
}

// Set 实现 Cache 接口。
func (c *RedisCache) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Purge 删除前缀下的所有键。
func (c *RedisCache) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("扫描 Redis 缓存失败: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("清理 Redis 缓存失败: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close 关闭由本实例创建的连接。
func (c *RedisCache) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

var _ Cache = (*RedisCache)(nil)
