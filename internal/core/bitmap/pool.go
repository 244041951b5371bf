package bitmap

import (
	"log/slog"
	"sync"
)

type shape struct {
	width  int
	height int
	format PixelFormat
}

// Pool is a free list of bitmaps bucketed by shape.
//
// Lease prefers an exact shape match and otherwise reconfigures the smallest
// free bitmap of the same format whose buffer is large enough. The pool has
// no eviction of its own; maxBytes only limits admission on Release.
type Pool struct {
	mu       sync.Mutex
	buckets  map[shape][]*Bitmap
	size     int64
	maxBytes int64
	logger   *slog.Logger
}

// NewPool creates a pool that holds at most maxBytes of free buffers.
// A maxBytes of 0 means unbounded.
func NewPool(maxBytes int64, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		buckets:  make(map[shape][]*Bitmap),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Lease removes and returns a free bitmap that can hold width x height
// pixels of format. It returns nil when the caller has to allocate.
// The contents of a leased bitmap are undefined.
func (p *Pool) Lease(width, height int, format PixelFormat) *Bitmap {
	if p == nil || width <= 0 || height <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := shape{width, height, format}
	if list := p.buckets[key]; len(list) > 0 {
		b := list[len(list)-1]
		p.take(key, len(list)-1)
		return b
	}

	need := int64(width) * int64(height) * int64(format.BytesPerPixel())
	var (
		bestKey shape
		bestIdx = -1
		bestCap int64
	)
	for k, list := range p.buckets {
		if k.format != format {
			continue
		}
		for i, b := range list {
			c := b.Capacity()
			if c >= need && (bestIdx < 0 || c < bestCap) {
				bestKey, bestIdx, bestCap = k, i, c
			}
		}
	}
	if bestIdx < 0 {
		return nil
	}
	b := p.buckets[bestKey][bestIdx]
	p.take(bestKey, bestIdx)
	b.reconfigure(width, height)
	return b
}

// take removes bucket[key][i]; p.mu must be held.
func (p *Pool) take(key shape, i int) {
	list := p.buckets[key]
	b := list[i]
	list[i] = list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(p.buckets, key)
	} else {
		p.buckets[key] = list
	}
	p.size -= b.Capacity()
}

// Get leases a bitmap or allocates a new one. A nil pool always allocates.
func (p *Pool) Get(width, height int, format PixelFormat) *Bitmap {
	if b := p.Lease(width, height, format); b != nil {
		return b
	}
	return New(width, height, format)
}

// Release returns b to the pool. With allowReuse false, or when the pool is
// full, the bitmap is dropped for the garbage collector instead.
// Reports whether the bitmap was pooled.
func (p *Pool) Release(b *Bitmap, allowReuse bool) bool {
	if p == nil || b == nil || !allowReuse {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxBytes > 0 && p.size+b.Capacity() > p.maxBytes {
		p.logger.Debug("[BITMAP-POOL] pool full, dropping bitmap",
			"shape", shapeString(b),
			"pool_bytes", p.size,
			"max_bytes", p.maxBytes,
		)
		return false
	}
	key := shape{b.width, b.height, b.format}
	for _, other := range p.buckets[key] {
		if other == b {
			return true
		}
	}
	p.buckets[key] = append(p.buckets[key], b)
	p.size += b.Capacity()
	return true
}

// Exist reports whether a free bitmap of exactly this shape is pooled.
func (p *Pool) Exist(width, height int, format PixelFormat) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets[shape{width, height, format}]) > 0
}

// Size returns the bytes held by free bitmaps.
func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// MaxSize returns the admission limit, 0 when unbounded.
func (p *Pool) MaxSize() int64 {
	return p.maxBytes
}

// Count returns the number of free bitmaps.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.buckets {
		n += len(list)
	}
	return n
}

// Clear drops every free bitmap.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	released := p.size
	p.buckets = make(map[shape][]*Bitmap)
	p.size = 0
	p.logger.Debug("[BITMAP-POOL] cleared", "released_bytes", released)
}

func shapeString(b *Bitmap) string {
	return b.Bounds().Size().String() + "/" + b.format.String()
}
