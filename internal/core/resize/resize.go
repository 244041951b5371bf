// Package resize computes the geometry used to turn a decoded source image
// into an output of a requested size.
//
// Everything in this package is a pure function of its inputs. The results
// feed cache keys indirectly (through recorded transformations), so the
// rounding rules here must stay stable: output dimensions round half up, crop
// rectangles are truncated so they always fit inside the source.
package resize

import (
	"fmt"
	"image"
)

// Precision controls how strictly the output must match the requested size.
type Precision int

const (
	// LessPixels keeps the source aspect ratio and only guarantees the output
	// has no more pixels than the requested size.
	LessPixels Precision = iota
	// SameAspectRatio crops the source to the requested aspect ratio, but the
	// output may be smaller than the requested size.
	SameAspectRatio
	// Exactly crops and scales so the output is exactly the requested size.
	Exactly
)

// String returns the name used for the precision in cache keys.
func (p Precision) String() string {
	switch p {
	case LessPixels:
		return "LESS_PIXELS"
	case SameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case Exactly:
		return "EXACTLY"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision parses the cache-key name of a precision.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "LESS_PIXELS", "less_pixels":
		return LessPixels, nil
	case "SAME_ASPECT_RATIO", "same_aspect_ratio":
		return SameAspectRatio, nil
	case "EXACTLY", "exactly":
		return Exactly, nil
	}
	return 0, fmt.Errorf("%w: precision %q", ErrInvalidResize, s)
}

// Scale controls where the crop rectangle is placed inside the source.
type Scale int

const (
	// CenterCrop centers the crop in the source.
	CenterCrop Scale = iota
	// StartCrop anchors the crop at the top-left corner.
	StartCrop
	// EndCrop anchors the crop at the bottom-right corner.
	EndCrop
	// Fill uses the whole source and stretches it to the output.
	Fill
)

// String returns the name used for the scale in cache keys.
func (s Scale) String() string {
	switch s {
	case CenterCrop:
		return "CENTER_CROP"
	case StartCrop:
		return "START_CROP"
	case EndCrop:
		return "END_CROP"
	case Fill:
		return "FILL"
	default:
		return fmt.Sprintf("Scale(%d)", int(s))
	}
}

// ParseScale parses the cache-key name of a scale.
func ParseScale(s string) (Scale, error) {
	switch s {
	case "CENTER_CROP", "center", "center_crop":
		return CenterCrop, nil
	case "START_CROP", "start", "start_crop":
		return StartCrop, nil
	case "END_CROP", "end", "end_crop":
		return EndCrop, nil
	case "FILL", "fill":
		return Fill, nil
	}
	return 0, fmt.Errorf("%w: scale %q", ErrInvalidResize, s)
}

// Size is a width and height in pixels.
type Size struct {
	Width  int
	Height int
}

// IsEmpty reports whether either dimension is not positive.
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Pixels returns Width*Height.
func (s Size) Pixels() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Resize is a fully specified resize target.
type Resize struct {
	Size      Size
	Precision Precision
	Scale     Scale
}

// Key returns the stable cache-key fragment for the resize.
func (r Resize) Key() string {
	return fmt.Sprintf("Resize(%s,%s,%s)", r.Size, r.Precision, r.Scale)
}

// Validate checks the target size.
func (r Resize) Validate() error {
	if r.Size.IsEmpty() {
		return fmt.Errorf("%w: size %s", ErrInvalidResize, r.Size)
	}
	return nil
}

// Mapping describes how a source image maps onto the output.
type Mapping struct {
	NewWidth  int
	NewHeight int
	// SrcRect is the region of the source that ends up in the output.
	SrcRect image.Rectangle
	// DestRect is where SrcRect lands in the output.
	DestRect image.Rectangle
}

// IsIdentity reports whether applying the mapping to a srcW x srcH image is a no-op.
func (m Mapping) IsIdentity(srcW, srcH int) bool {
	return m.NewWidth == srcW && m.NewHeight == srcH &&
		m.SrcRect == image.Rect(0, 0, srcW, srcH)
}

func identity(w, h int) Mapping {
	return Mapping{
		NewWidth:  w,
		NewHeight: h,
		SrcRect:   image.Rect(0, 0, w, h),
		DestRect:  image.Rect(0, 0, w, h),
	}
}

// ComputeMapping maps a srcW x srcH image onto a dstW x dstH target.
//
// When exact is false the output keeps the source aspect ratio and is the
// largest power-of-two reduction of the source whose pixel count does not
// exceed the target's. When exact is true the output is exactly dstW x dstH
// and the source is cropped to the target aspect ratio, placed by scale.
func ComputeMapping(srcW, srcH, dstW, dstH int, scale Scale, exact bool) Mapping {
	if srcW == dstW && srcH == dstH {
		return identity(srcW, srcH)
	}
	if exact {
		return CropMapping(srcW, srcH, dstW, dstH, scale, true)
	}
	sample := SampleSizeForPixels(srcW, srcH, dstW, dstH)
	w, h := Sampled(srcW, sample), Sampled(srcH, sample)
	return Mapping{
		NewWidth:  w,
		NewHeight: h,
		SrcRect:   image.Rect(0, 0, srcW, srcH),
		DestRect:  image.Rect(0, 0, w, h),
	}
}

// CropMapping computes a crop of the source with the target's aspect ratio.
//
// If exact is false and the target is larger than the source in either
// dimension, the target is first scaled down, keeping its aspect ratio, so
// the output never upscales past the source resolution.
func CropMapping(srcW, srcH, dstW, dstH int, scale Scale, exact bool) Mapping {
	if srcW == dstW && srcH == dstH {
		return identity(srcW, srcH)
	}

	newW, newH := dstW, dstH
	if !exact && (dstW > srcW || dstH > srcH) {
		f := max(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
		newW = roundHalfUp(float64(dstW) / f)
		newH = roundHalfUp(float64(dstH) / f)
	}
	newW, newH = max(newW, 1), max(newH, 1)

	m := Mapping{
		NewWidth:  newW,
		NewHeight: newH,
		DestRect:  image.Rect(0, 0, newW, newH),
	}
	if scale == Fill {
		m.SrcRect = image.Rect(0, 0, srcW, srcH)
		return m
	}

	// Largest rectangle with the output aspect ratio that fits in the source.
	// Integer math keeps the limiting side exact.
	cropW, cropH := srcW, srcH
	if int64(srcW)*int64(newH) <= int64(srcH)*int64(newW) {
		cropH = int(int64(srcW) * int64(newH) / int64(newW))
	} else {
		cropW = int(int64(srcH) * int64(newW) / int64(newH))
	}
	cropW, cropH = max(cropW, 1), max(cropH, 1)

	var left, top int
	switch scale {
	case StartCrop:
	case EndCrop:
		left, top = srcW-cropW, srcH-cropH
	default:
		left, top = (srcW-cropW)/2, (srcH-cropH)/2
	}
	m.SrcRect = image.Rect(left, top, left+cropW, top+cropH)
	return m
}

// Calculate computes the mapping for a source size and a resize target,
// honoring the target's precision.
func Calculate(srcW, srcH int, r Resize) Mapping {
	switch r.Precision {
	case Exactly:
		return ComputeMapping(srcW, srcH, r.Size.Width, r.Size.Height, r.Scale, true)
	case SameAspectRatio:
		if srcW == r.Size.Width && srcH == r.Size.Height {
			return identity(srcW, srcH)
		}
		m := CropMapping(srcW, srcH, r.Size.Width, r.Size.Height, r.Scale, false)
		cw, ch := m.SrcRect.Dx(), m.SrcRect.Dy()
		sample := SampleSizeForPixels(cw, ch, r.Size.Width, r.Size.Height)
		m.NewWidth, m.NewHeight = Sampled(cw, sample), Sampled(ch, sample)
		m.DestRect = image.Rect(0, 0, m.NewWidth, m.NewHeight)
		return m
	default:
		return ComputeMapping(srcW, srcH, r.Size.Width, r.Size.Height, r.Scale, false)
	}
}

// AspectRatioDiffers reports whether two sizes have a different aspect
// ratio when rounded to one decimal place.
func AspectRatioDiffers(w1, h1, w2, h2 int) bool {
	if h1 <= 0 || h2 <= 0 {
		return false
	}
	r1 := roundHalfUp(float64(w1) / float64(h1) * 10)
	r2 := roundHalfUp(float64(w2) / float64(h2) * 10)
	return r1 != r2
}

func roundHalfUp(v float64) int {
	return int(v + 0.5)
}
