// Package cache maps canonical repository URLs to previously fetched local
// directories. Entries expire after a TTL and the least recently used entry is
// evicted once capacity is exceeded.
package cache

import (
	"container/list"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/hash/sha256"
	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const (
	defaultCapacity = 100
	defaultTTL      = time.Hour
)

// Config controls cache sizing and collaborators.
type Config struct {
	Capacity int
	TTL      time.Duration
	// ScratchRoot is trusted: entries under it skip the existence check. Only
	// ephemeral environments where nothing else deletes directories set it.
	ScratchRoot string
	Clock       scan.Clock
	Hasher      scan.Hasher
	// OnEvict receives the path of every entry that leaves the cache. It runs
	// outside the cache lock.
	OnEvict func(path string)
	Logger  *zap.Logger
}

// Entry is one cached fetch.
type Entry struct {
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is safe for concurrent use; one mutex guards the map and list.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	capacity int
	ttl      time.Duration
	scratch  string
	clock    scan.Clock
	hasher   scan.Hasher
	onEvict  func(string)
	logger   *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	scratch := ""
	if cfg.ScratchRoot != "" {
		scratch = filepath.Clean(cfg.ScratchRoot)
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		scratch:  scratch,
		clock:    cfg.Clock,
		hasher:   cfg.Hasher,
		onEvict:  cfg.OnEvict,
		logger:   cfg.Logger,
	}
}

func (c *Cache) key(url string) string {
	sum, err := c.hasher.Hash([]byte(url))
	if err != nil {
		return url
	}
	return sum
}

// Get returns the cached path for url. A hit promotes the entry and bumps its
// access count; an expired entry or a vanished path is a miss and is removed.
func (c *Cache) Get(url string) (string, bool) {
	k := c.key(url)
	now := c.clock.Now()

	c.mu.Lock()
	elem, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		c.recordMiss()
		return "", false
	}
	entry := elem.Value.(*Entry)
	if !c.usable(entry, now) {
		c.removeElement(k, elem)
		c.mu.Unlock()
		c.logger.Debug("cache entry invalid", zap.String("url", url), zap.String("path", entry.Path))
		c.evicted(entry.Path, "expired")
		c.recordMiss()
		return "", false
	}
	entry.LastAccess = now
	entry.AccessCount++
	c.order.MoveToFront(elem)
	path := entry.Path
	c.mu.Unlock()

	c.hits.Add(1)
	metrics.ObserveCacheRequest("hit")
	return path, true
}

// Put records path for url and evicts least recently used entries while the
// cache is over capacity.
func (c *Cache) Put(url, path string) {
	k := c.key(url)
	now := c.clock.Now()
	var dropped []string

	c.mu.Lock()
	if elem, ok := c.entries[k]; ok {
		entry := elem.Value.(*Entry)
		if entry.Path != path {
			dropped = append(dropped, entry.Path)
		}
		entry.Path = path
		entry.CreatedAt = now
		entry.LastAccess = now
		c.order.MoveToFront(elem)
	} else {
		c.entries[k] = c.order.PushFront(&Entry{
			URL:        url,
			Path:       path,
			CreatedAt:  now,
			LastAccess: now,
		})
	}
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		entry := oldest.Value.(*Entry)
		c.removeElement(c.key(entry.URL), oldest)
		dropped = append(dropped, entry.Path)
	}
	c.mu.Unlock()

	for _, p := range dropped {
		c.evicted(p, "capacity")
	}
}

// Remove drops url from the cache. It reports whether an entry existed.
func (c *Cache) Remove(url string) bool {
	k := c.key(url)
	c.mu.Lock()
	elem, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		return false
	}
	entry := elem.Value.(*Entry)
	c.removeElement(k, elem)
	c.mu.Unlock()
	c.evicted(entry.Path, "removed")
	return true
}

// Owns reports whether path is currently held by a cache entry.
func (c *Cache) Owns(path string) bool {
	clean := filepath.Clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		if filepath.Clean(elem.Value.(*Entry).Path) == clean {
			return true
		}
	}
	return false
}

// CleanupExpired removes every entry past its TTL and returns the count.
func (c *Cache) CleanupExpired() int {
	now := c.clock.Now()
	var dropped []string

	c.mu.Lock()
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*Entry)
		if now.Sub(entry.CreatedAt) >= c.ttl {
			c.removeElement(c.key(entry.URL), elem)
			dropped = append(dropped, entry.Path)
		}
		elem = prev
	}
	c.mu.Unlock()

	for _, p := range dropped {
		c.evicted(p, "expired")
	}
	if len(dropped) > 0 {
		c.logger.Info("expired cache entries removed", zap.Int("count", len(dropped)))
	}
	return len(dropped)
}

// Entries returns a copy of the entries from most to least recently used.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Entry))
	}
	return out
}

// Stats returns hit/miss counters and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Size:      size,
		Capacity:  c.capacity,
		HitRate:   rate,
	}
}

func (c *Cache) usable(entry *Entry, now time.Time) bool {
	if now.Sub(entry.CreatedAt) >= c.ttl {
		return false
	}
	if c.underScratch(entry.Path) {
		return true
	}
	_, err := os.Stat(entry.Path)
	return err == nil
}

func (c *Cache) underScratch(path string) bool {
	if c.scratch == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean == c.scratch || strings.HasPrefix(clean, c.scratch+string(filepath.Separator))
}

// removeElement must be called with c.mu held.
func (c *Cache) removeElement(k string, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, k)
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	metrics.ObserveCacheRequest("miss")
}

func (c *Cache) evicted(path, reason string) {
	c.evictions.Add(1)
	metrics.ObserveCacheEviction(reason)
	if c.onEvict != nil && path != "" {
		c.onEvict(path)
	}
}
