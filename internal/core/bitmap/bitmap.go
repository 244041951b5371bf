// Package bitmap holds decoded raster buffers, the pool that recycles them,
// and the reference-counted wrapper shared between caches and consumers.
package bitmap

import (
	"fmt"
	"image"
	"image/draw"
)

// PixelFormat is the memory layout of a bitmap's pixels.
type PixelFormat int

const (
	// NRGBA is 8-bit non-premultiplied RGBA, the default.
	NRGBA PixelFormat = iota
	// RGBA is 8-bit premultiplied RGBA.
	RGBA
	// Gray is 8-bit grayscale.
	Gray
)

// BytesPerPixel returns the storage size of one pixel.
func (f PixelFormat) BytesPerPixel() int {
	if f == Gray {
		return 1
	}
	return 4
}

func (f PixelFormat) String() string {
	switch f {
	case NRGBA:
		return "NRGBA"
	case RGBA:
		return "RGBA"
	case Gray:
		return "GRAY"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Bitmap is a raster buffer with a fixed pixel format. The backing slice may
// be larger than Width*Height when the bitmap was reconfigured by the pool.
type Bitmap struct {
	width  int
	height int
	format PixelFormat
	pix    []byte
}

// New allocates a zeroed bitmap.
func New(width, height int, format PixelFormat) *Bitmap {
	return &Bitmap{
		width:  width,
		height: height,
		format: format,
		pix:    make([]byte, width*height*format.BytesPerPixel()),
	}
}

func (b *Bitmap) Width() int          { return b.width }
func (b *Bitmap) Height() int         { return b.height }
func (b *Bitmap) Format() PixelFormat { return b.format }

// Bounds returns the bitmap rectangle anchored at the origin.
func (b *Bitmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// ByteCount is the number of bytes used by the current shape.
func (b *Bitmap) ByteCount() int64 {
	return int64(b.width) * int64(b.height) * int64(b.format.BytesPerPixel())
}

// Capacity is the number of bytes held by the backing buffer.
func (b *Bitmap) Capacity() int64 {
	return int64(cap(b.pix))
}

// Image returns a drawable view sharing the bitmap's pixels.
func (b *Bitmap) Image() draw.Image {
	stride := b.width * b.format.BytesPerPixel()
	pix := b.pix[:b.height*stride]
	rect := b.Bounds()
	switch b.format {
	case Gray:
		return &image.Gray{Pix: pix, Stride: stride, Rect: rect}
	case RGBA:
		return &image.RGBA{Pix: pix, Stride: stride, Rect: rect}
	default:
		return &image.NRGBA{Pix: pix, Stride: stride, Rect: rect}
	}
}

// reconfigure reshapes the bitmap in place. It fails when the backing
// buffer is too small for the new shape.
func (b *Bitmap) reconfigure(width, height int) bool {
	need := width * height * b.format.BytesPerPixel()
	if need > cap(b.pix) {
		return false
	}
	b.width, b.height = width, height
	b.pix = b.pix[:need]
	return true
}

// FromImage copies img into a bitmap of the given format, reusing a pooled
// buffer when one fits. pool may be nil.
func FromImage(img image.Image, format PixelFormat, pool *Pool) *Bitmap {
	bounds := img.Bounds()
	var b *Bitmap
	if pool != nil {
		b = pool.Get(bounds.Dx(), bounds.Dy(), format)
	} else {
		b = New(bounds.Dx(), bounds.Dy(), format)
	}
	draw.Draw(b.Image(), b.Bounds(), img, bounds.Min, draw.Src)
	return b
}
