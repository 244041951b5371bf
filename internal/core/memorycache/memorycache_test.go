package memorycache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/request"
)

// newEntry builds an entry whose bitmap is 10x10 NRGBA (400 bytes) and
// hands the creator reference to the caller.
func newEntry(pool *bitmap.Pool, key string) *Entry {
	b := bitmap.New(10, 10, bitmap.NRGBA)
	return &Entry{
		Bitmap: bitmap.NewCountBitmap(b, pool, key, true),
		Info:   request.ImageInfo{Width: 10, Height: 10, MimeType: "image/png", ExifOrientation: 1},
	}
}

// putOwned stores an entry and drops the creator reference, leaving the
// cache as the only holder.
func putOwned(t *testing.T, c *Cache, pool *bitmap.Pool, key string) *Entry {
	t.Helper()
	e := newEntry(pool, key)
	require.True(t, c.Put(key, e))
	e.Bitmap.Release()
	return e
}

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, ErrInvalidMaxSize)
}

func TestCache_PutGet(t *testing.T) {
	c, err := New(4000, nil)
	require.NoError(t, err)

	e := putOwned(t, c, nil, "a")
	assert.Equal(t, 1, e.Bitmap.RefCount())
	assert.Equal(t, int64(400), c.Size())

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 2, got.Bitmap.RefCount(), "Get must retain")
	got.Bitmap.Release()

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_EvictsLRUAndReleasesOnce(t *testing.T) {
	pool := bitmap.NewPool(0, nil)
	c, err := New(1200, nil) // three 400 byte entries
	require.NoError(t, err)

	a := putOwned(t, c, pool, "a")
	b := putOwned(t, c, pool, "b")
	putOwned(t, c, pool, "c")

	// touch a so b becomes least recently used
	got, ok := c.Get("a")
	require.True(t, ok)
	got.Bitmap.Release()

	putOwned(t, c, pool, "d")

	assert.True(t, c.Exist("a"))
	assert.False(t, c.Exist("b"))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(1200), c.Size())

	assert.Equal(t, 1, a.Bitmap.RefCount())
	assert.Equal(t, 0, b.Bitmap.RefCount(), "eviction releases exactly once")
	assert.True(t, b.Bitmap.IsRecycled())
	assert.Equal(t, 1, pool.Count(), "evicted buffer goes back to the pool")
}

func TestCache_EvictionKeepsExternalHolders(t *testing.T) {
	c, err := New(400, nil)
	require.NoError(t, err)

	a := newEntry(nil, "a")
	require.True(t, c.Put("a", a)) // creator keeps its reference
	putOwned(t, c, nil, "b")

	assert.False(t, c.Exist("a"))
	assert.Equal(t, 1, a.Bitmap.RefCount())
	assert.NotNil(t, a.Bitmap.Bitmap(), "still usable by the other holder")
	a.Bitmap.Release()
	assert.True(t, a.Bitmap.IsRecycled())
}

func TestCache_PutTooLarge(t *testing.T) {
	c, err := New(100, nil)
	require.NoError(t, err)

	e := newEntry(nil, "big")
	assert.False(t, c.Put("big", e))
	assert.Equal(t, 1, e.Bitmap.RefCount())
	assert.Equal(t, 0, c.Len())
}

func TestCache_PutReplacesExisting(t *testing.T) {
	c, err := New(4000, nil)
	require.NoError(t, err)

	first := putOwned(t, c, nil, "k")
	putOwned(t, c, nil, "k")

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(400), c.Size())
	assert.True(t, first.Bitmap.IsRecycled())
}

func TestCache_RemoveTrimClear(t *testing.T) {
	c, err := New(4000, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		putOwned(t, c, nil, fmt.Sprintf("k%d", i))
	}

	assert.True(t, c.Remove("k0"))
	assert.False(t, c.Remove("k0"))
	assert.Equal(t, int64(1600), c.Size())

	assert.Equal(t, 2, c.Trim(800))
	assert.False(t, c.Exist("k1"))
	assert.False(t, c.Exist("k2"))
	assert.True(t, c.Exist("k3"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, err := New(400*8, nil)
	require.NoError(t, err)
	pool := bitmap.NewPool(0, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (g+i)%16)
				if e, ok := c.Get(key); ok {
					e.Bitmap.Release()
					continue
				}
				e := newEntry(pool, key)
				c.Put(key, e)
				e.Bitmap.Release()
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), c.MaxSize())
	assert.Equal(t, int64(c.Len())*400, c.Size())
}
