package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func scratchCache(t *testing.T, capacity int, clock *fakeClock) (*Cache, *[]string) {
	t.Helper()
	var mu sync.Mutex
	evicted := []string{}
	c := New(Config{
		Capacity:    capacity,
		TTL:         time.Hour,
		ScratchRoot: "/scratch",
		Clock:       clock,
		OnEvict: func(path string) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, path)
		},
	})
	return c, &evicted
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, evicted := scratchCache(t, 2, newFakeClock())
	c.Put("https://github.com/a/a.git", "/scratch/a")
	c.Put("https://github.com/b/b.git", "/scratch/b")
	c.Put("https://github.com/c/c.git", "/scratch/c")

	_, ok := c.Get("https://github.com/a/a.git")
	assert.False(t, ok)
	path, ok := c.Get("https://github.com/c/c.git")
	require.True(t, ok)
	assert.Equal(t, "/scratch/c", path)
	assert.Equal(t, []string{"/scratch/a"}, *evicted)
}

func TestCacheGetPromotesEntry(t *testing.T) {
	t.Parallel()

	c, _ := scratchCache(t, 2, newFakeClock())
	c.Put("a", "/scratch/a")
	c.Put("b", "/scratch/b")

	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", "/scratch/c")

	_, ok = c.Get("a")
	assert.True(t, ok, "promoted entry must survive the next eviction")
	_, ok = c.Get("b")
	assert.False(t, ok)

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].URL)
	assert.Equal(t, 2, entries[0].AccessCount)
}

func TestCacheTTLExpiresExistingPath(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dir := t.TempDir()
	c := New(Config{Capacity: 4, TTL: time.Minute, Clock: clock})
	c.Put("a", dir)

	_, ok := c.Get("a")
	require.True(t, ok)

	clock.Advance(61 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)

	_, err := os.Stat(dir)
	require.NoError(t, err, "cache without an eviction hook must not touch the directory")
}

func TestCacheVanishedPathIsMiss(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.Mkdir(dir, 0o750))
	c := New(Config{Capacity: 4, TTL: time.Hour, Clock: newFakeClock()})
	c.Put("a", dir)
	require.NoError(t, os.Remove(dir))

	_, ok := c.Get("a")
	assert.False(t, ok)

	c2, _ := scratchCache(t, 4, newFakeClock())
	c2.Put("a", "/scratch/never-created")
	_, ok = c2.Get("a")
	assert.True(t, ok, "scratch paths are trusted without a stat")
}

func TestCacheCleanupExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c, evicted := scratchCache(t, 10, clock)
	c.Put("old-1", "/scratch/1")
	c.Put("old-2", "/scratch/2")
	clock.Advance(30 * time.Minute)
	c.Put("fresh", "/scratch/3")
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 2, c.CleanupExpired())
	assert.ElementsMatch(t, []string{"/scratch/1", "/scratch/2"}, *evicted)
	assert.True(t, c.Owns("/scratch/3"))
	assert.False(t, c.Owns("/scratch/1"))
}

func TestCacheStatsAndRemove(t *testing.T) {
	t.Parallel()

	c, evicted := scratchCache(t, 3, newFakeClock())
	c.Put("a", "/scratch/a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.0001)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, []string{"/scratch/a"}, *evicted)
}

func TestCacheReplacingPathEvictsOldDirectory(t *testing.T) {
	t.Parallel()

	c, evicted := scratchCache(t, 3, newFakeClock())
	c.Put("a", "/scratch/a1")
	c.Put("a", "/scratch/a2")

	path, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "/scratch/a2", path)
	assert.Equal(t, []string{"/scratch/a1"}, *evicted)
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()

	c, _ := scratchCache(t, 16, newFakeClock())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("repo-%d", (worker*7+j)%32)
				if _, ok := c.Get(key); !ok {
					c.Put(key, "/scratch/"+key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Size, 16)
}
