package bitmap

import (
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RoundTripReturnsSameBitmap(t *testing.T) {
	pool := NewPool(0, nil)
	b := New(323, 484, NRGBA)

	require.True(t, pool.Release(b, true))
	assert.True(t, pool.Exist(323, 484, NRGBA))

	leased := pool.Lease(323, 484, NRGBA)
	assert.Same(t, b, leased)
	assert.False(t, pool.Exist(323, 484, NRGBA))
	assert.Equal(t, int64(0), pool.Size())
}

func TestPool_DisallowReuseDiscards(t *testing.T) {
	pool := NewPool(0, nil)
	b := New(323, 484, NRGBA)

	assert.False(t, pool.Release(b, false))
	assert.Nil(t, pool.Lease(323, 484, NRGBA))
}

func TestPool_LeaseReconfiguresLargerBuffer(t *testing.T) {
	pool := NewPool(0, nil)
	big := New(100, 100, NRGBA)
	small := New(60, 60, NRGBA)
	pool.Release(big, true)
	pool.Release(small, true)

	b := pool.Lease(50, 50, NRGBA)
	require.NotNil(t, b)
	assert.Same(t, small, b)
	assert.Equal(t, 50, b.Width())
	assert.Equal(t, 50, b.Height())
	assert.Equal(t, int64(50*50*4), b.ByteCount())
}

func TestPool_FormatMustMatch(t *testing.T) {
	pool := NewPool(0, nil)
	pool.Release(New(100, 100, Gray), true)

	assert.Nil(t, pool.Lease(10, 10, NRGBA))
	assert.NotNil(t, pool.Lease(10, 10, Gray))
}

func TestPool_MaxBytesLimitsAdmission(t *testing.T) {
	pool := NewPool(100*100*4, nil)

	assert.True(t, pool.Release(New(100, 100, NRGBA), true))
	assert.False(t, pool.Release(New(10, 10, NRGBA), true))
	assert.Equal(t, 1, pool.Count())
}

func TestPool_Clear(t *testing.T) {
	pool := NewPool(0, nil)
	pool.Release(New(10, 10, NRGBA), true)
	pool.Release(New(20, 20, NRGBA), true)

	pool.Clear()

	assert.Equal(t, 0, pool.Count())
	assert.Equal(t, int64(0), pool.Size())
}

func TestPool_ConcurrentLeaseRelease(t *testing.T) {
	pool := NewPool(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b := pool.Get(64, 64, NRGBA)
				pool.Release(b, true)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, pool.Count(), 32)
}

func TestFromImage_UsesPool(t *testing.T) {
	pool := NewPool(0, nil)
	pooled := New(2, 2, NRGBA)
	pool.Release(pooled, true)

	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	src.Set(1, 1, color.NRGBA{R: 255, A: 255})

	b := FromImage(src, NRGBA, pool)
	assert.Same(t, pooled, b)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, b.Image().At(1, 1))
}

func TestCountBitmap_ReleaseToPoolAtZero(t *testing.T) {
	pool := NewPool(0, nil)
	b := New(8, 8, NRGBA)
	cb := NewCountBitmap(b, pool, "key", true)

	require.True(t, cb.Retain())
	cb.Release()
	assert.False(t, pool.Exist(8, 8, NRGBA))
	assert.Equal(t, 1, cb.RefCount())

	cb.Release()
	assert.True(t, cb.IsRecycled())
	assert.True(t, pool.Exist(8, 8, NRGBA))
	assert.Nil(t, cb.Bitmap())
	assert.False(t, cb.Retain())

	cb.Release()
	assert.Equal(t, 1, pool.Count())
}

func TestCountBitmap_DisallowReuse(t *testing.T) {
	pool := NewPool(0, nil)
	cb := NewCountBitmap(New(8, 8, NRGBA), pool, "key", false)

	cb.Release()

	assert.True(t, cb.IsRecycled())
	assert.Equal(t, 0, pool.Count())
}
