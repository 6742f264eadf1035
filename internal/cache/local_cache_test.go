package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestLocalCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewLocalCache[[]string](time.Minute, clock.Now)

	c.Set("owner-1", []string{"a.com"}, 0)
	c.Set("owner-2", []string{"b.com"}, 5*time.Minute)

	got, ok := c.Get("owner-1")
	assert.True(t, ok)
	assert.Equal(t, []string{"a.com"}, got)
	assert.Equal(t, 2, c.Len())

	clock.Advance(time.Minute)

	_, ok = c.Get("owner-1")
	assert.False(t, ok, "到期时刻即视为过期")

	stale, ok := c.Peek("owner-1")
	assert.True(t, ok, "清理前仍可读到过期值")
	assert.Equal(t, []string{"a.com"}, stale)

	assert.Equal(t, 1, c.Prune(clock.Now()))
	_, ok = c.Peek("owner-1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("owner-2")
	assert.True(t, ok)
}

func TestLocalCache_SetOverwriteAndDelete(t *testing.T) {
	c := NewLocalCache[int](time.Minute, nil)

	c.Set("k", 1, 0)
	c.Set("k", 2, 0)
	assert.Equal(t, 1, c.Len(), "覆盖写不增加条目数")

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("k")
	c.Delete("k")
	assert.Equal(t, 0, c.Len())

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
