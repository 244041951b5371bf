// Package memorycache holds decoded bitmaps in a byte-bounded LRU.
//
// Entries own one reference on their CountBitmap. Get hands out an extra
// reference that the caller must release; eviction drops the cache's own
// reference, so a bitmap still held elsewhere survives until its last holder
// releases it.
package memorycache

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/request"
)

// ErrInvalidMaxSize is returned when the byte limit is not positive.
var ErrInvalidMaxSize = errors.New("memory cache max size must be positive")

// Entry is a cached decode result.
type Entry struct {
	Bitmap      *bitmap.CountBitmap
	Info        request.ImageInfo
	Transformed []string
	Extras      map[string]string

	// size is fixed at Put so accounting survives an early recycle.
	size int64
}

// Size returns the bytes the entry accounts for.
func (e *Entry) Size() int64 {
	if e.size > 0 {
		return e.size
	}
	return e.Bitmap.ByteCount()
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *Entry]
	size    int64
	maxSize int64
	logger  *slog.Logger
}

// New creates a cache holding at most maxSize bytes of bitmaps.
func New(maxSize int64, logger *slog.Logger) (*Cache, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{maxSize: maxSize, logger: logger}
	lru, err := simplelru.NewLRU[string, *Entry](math.MaxInt32, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu for every entry leaving the LRU.
func (c *Cache) onEvict(key string, e *Entry) {
	c.size -= e.size
	e.Bitmap.Release()
}

// Get returns the entry for key with one extra reference on its bitmap.
// The caller must call Release on the bitmap when done.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.Bitmap.Retain() {
		// recycled behind our back; drop the stale entry
		c.lru.Remove(key)
		return nil, false
	}
	return e, true
}

// Exist reports whether key is cached without touching LRU order.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Put stores e under key, taking a reference for the cache. Least recently
// used entries are evicted until e fits. Returns false when e alone is larger
// than the cache; nothing is stored or evicted in that case.
func (c *Cache) Put(key string, e *Entry) bool {
	size := e.Size()
	if size > c.maxSize {
		c.logger.Debug("[MEMORY-CACHE] entry larger than cache, skipping",
			"key", key,
			"size_bytes", size,
			"max_size_bytes", c.maxSize,
		)
		return false
	}
	if !e.Bitmap.Retain() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	evicted := 0
	for c.size+size > c.maxSize {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	e.size = size
	c.lru.Add(key, e)
	c.size += size

	if evicted > 0 {
		c.logger.Debug("[MEMORY-CACHE] evicted entries (LRU)",
			"entries_removed", evicted,
			"new_size_bytes", c.size,
		)
	}
	return true
}

// Remove drops key and releases the cache's reference.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Trim evicts least recently used entries until at most target bytes remain.
func (c *Cache) Trim(target int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for c.size > target {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	return removed
}

// Clear evicts everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.size = 0
}

// Size returns the bytes currently held.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte limit.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
