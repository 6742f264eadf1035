package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
//   - 使用 sync.Map 实现无锁读取
//   - 条目按写入时指定的 TTL 过期
//   - 过期条目在 Prune 之前仍可通过 Peek 读到，用于存储故障时的降级
//   - 不自带清理协程，由调用方的定时清理任务驱动 Prune
type LocalCache[V any] struct {
	data  sync.Map
	size  atomic.Int64
	ttl   time.Duration
	clock func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间
//   - clock: 时间来源，nil 时使用 time.Now
func NewLocalCache[V any](ttl time.Duration, clock func() time.Time) *LocalCache[V] {
	if clock == nil {
		clock = time.Now
	}
	return &LocalCache[V]{
		ttl:   ttl,
		clock: clock,
	}
}

// Get 获取未过期的缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.data.Load(key)
	if !ok {
		return zero, false
	}

	entry := val.(*cacheEntry[V])
	if !c.clock().Before(entry.expiresAt) {
		return zero, false
	}

	return entry.value, true
}

// Peek 获取缓存值，即使已过期（只要尚未被清理）
func (c *LocalCache[V]) Peek(key string) (V, bool) {
	var zero V
	val, ok := c.data.Load(key)
	if !ok {
		return zero, false
	}
	return val.(*cacheEntry[V]).value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry[V]{
		value:     value,
		expiresAt: c.clock().Add(ttl),
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Clear 清空所有缓存
func (c *LocalCache[V]) Clear() {
	c.data.Range(func(key, _ any) bool {
		c.Delete(key.(string))
		return true
	})
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	return int(c.size.Load())
}

// Prune 清理在 now 时刻已过期的条目，返回清理数量
func (c *LocalCache[V]) Prune(now time.Time) int {
	removed := 0
	c.data.Range(func(key, value any) bool {
		entry := value.(*cacheEntry[V])
		if !now.Before(entry.expiresAt) {
			if c.data.CompareAndDelete(key, value) {
				c.size.Add(-1)
				removed++
			}
		}
		return true
	})
	return removed
}
