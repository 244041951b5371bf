package bitmap

import (
	"log/slog"
	"sync"
)

// CountBitmap shares a Bitmap between several holders. It starts with one
// reference owned by its creator. When the last reference is released the
// bitmap goes back to the pool, unless reuse was disallowed.
type CountBitmap struct {
	mu         sync.Mutex
	bitmap     *Bitmap
	pool       *Pool
	key        string
	allowReuse bool
	refs       int
}

// NewCountBitmap wraps b with a reference count of one.
func NewCountBitmap(b *Bitmap, pool *Pool, key string, allowReuse bool) *CountBitmap {
	return &CountBitmap{
		bitmap:     b,
		pool:       pool,
		key:        key,
		allowReuse: allowReuse,
		refs:       1,
	}
}

// Retain adds a reference. Retaining a recycled bitmap returns false.
func (c *CountBitmap) Retain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs <= 0 {
		return false
	}
	c.refs++
	return true
}

// Release drops a reference and recycles the bitmap when none remain.
// Extra releases are logged and ignored.
func (c *CountBitmap) Release() {
	c.mu.Lock()
	if c.refs <= 0 {
		c.mu.Unlock()
		slog.Warn("[BITMAP-POOL] release of recycled bitmap ignored", "key", c.key)
		return
	}
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	b := c.bitmap
	c.bitmap = nil
	c.mu.Unlock()

	if c.pool != nil {
		c.pool.Release(b, c.allowReuse)
	}
}

// RefCount returns the current number of references.
func (c *CountBitmap) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// IsRecycled reports whether the bitmap was handed back to the pool.
func (c *CountBitmap) IsRecycled() bool {
	return c.RefCount() <= 0
}

// Bitmap returns the wrapped bitmap, nil once recycled.
// Callers must hold a reference while using it.
func (c *CountBitmap) Bitmap() *Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitmap
}

// Key is the result key the bitmap was produced for.
func (c *CountBitmap) Key() string {
	return c.key
}

// ByteCount returns the size of the wrapped bitmap, 0 once recycled.
func (c *CountBitmap) ByteCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitmap == nil {
		return 0
	}
	return c.bitmap.ByteCount()
}
