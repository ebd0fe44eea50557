package discovery

import (
	"context"
	"sync"
	"time"
)

// Entry 是缓存中的一条查询结果。
type Entry struct {
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache 保存查询结果。缓存只是建议性的，任何错误都会退化为重新计算。
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Purge(ctx context.Context) error
}

// MemoryCache 是进程内缓存。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache 创建空的进程内缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get 实现 Cache 接口。
func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok, nil
}

// Set 实现 Cache 接口。
func (c *MemoryCache) Set(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	return nil
}

// Purge 实现 Cache 接口。
func (c *MemoryCache) Purge(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return nil
}

// Len 返回当前条目数。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NoopCache 不保存任何内容。
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (NoopCache) Set(context.Context, string, Entry) error         { return nil }
func (NoopCache) Purge(context.Context) error                      { return nil }

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = NoopCache{}
)
