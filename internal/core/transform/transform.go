// Package transform implements the post-decode transformations applied to a
// bitmap after resizing.
package transform

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/resize"
)

// ErrInvalidTransformation is returned by Parse for unknown, malformed or
// out of range input.
var ErrInvalidTransformation = errors.New("invalid transformation")

// Limits on parsed input. Blur cost grows with the radius times the pixel
// count, so the radius is capped well below anything visually useful.
const (
	MaxTransformations = 8
	MaxBlurRadius      = 100
	MaxCornerRadius    = 4096
)

// Transformation turns a bitmap into a new one.
//
// Transform returns src itself when nothing changed; any other bitmap is a
// new buffer and the caller releases src. New buffers should come from pool
// so they can be recycled. A nil pool means buffers must not be recycled.
type Transformation interface {
	// Key identifies the transformation and its arguments in result keys.
	Key() string
	Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error)
}

// Rotate rotates clockwise by Degrees.
type Rotate struct {
	Degrees int
}

func (r Rotate) Key() string {
	return fmt.Sprintf("RotateTransformed(%d)", r.normalized())
}

func (r Rotate) normalized() int {
	return ((r.Degrees % 360) + 360) % 360
}

func (r Rotate) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	var out image.Image
	switch deg := r.normalized(); deg {
	case 0:
		return src, nil
	case 90:
		out = imaging.Rotate270(src.Image())
	case 180:
		out = imaging.Rotate180(src.Image())
	case 270:
		out = imaging.Rotate90(src.Image())
	default:
		// imaging rotates counter-clockwise
		out = imaging.Rotate(src.Image(), float64(-deg), color.Transparent)
	}
	return bitmap.FromImage(out, src.Format(), pool), nil
}

// RoundedCorners makes the corners transparent with the given radius in pixels.
type RoundedCorners struct {
	Radius float64
}

func (r RoundedCorners) Key() string {
	return "RoundedCornersTransformed(" + formatFloat(r.Radius) + ")"
}

func (r RoundedCorners) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if !(r.Radius > 0) {
		return src, nil
	}
	w, h := src.Width(), src.Height()
	radius := math.Min(r.Radius, float64(min(w, h))/2)
	return mask(src, pool, func(x, y int) bool {
		cx, cy := float64(x)+0.5, float64(y)+0.5
		var ox, oy float64
		switch {
		case cx < radius:
			ox = radius
		case cx > float64(w)-radius:
			ox = float64(w) - radius
		default:
			return true
		}
		switch {
		case cy < radius:
			oy = radius
		case cy > float64(h)-radius:
			oy = float64(h) - radius
		default:
			return true
		}
		return math.Hypot(cx-ox, cy-oy) <= radius
	}), nil
}

// CircleCrop crops a square placed by Scale and masks it to a circle.
type CircleCrop struct {
	Scale resize.Scale
}

func (c CircleCrop) Key() string {
	return "CircleCropTransformed(" + c.Scale.String() + ")"
}

func (c CircleCrop) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	side := min(src.Width(), src.Height())
	m := resize.CropMapping(src.Width(), src.Height(), side, side, c.Scale, true)

	square := src
	if m.SrcRect != src.Bounds() {
		var cropped image.Image
		if c.Scale == resize.Fill {
			cropped = imaging.Resize(src.Image(), side, side, imaging.Lanczos)
		} else {
			cropped = imaging.Crop(src.Image(), m.SrcRect)
		}
		square = bitmap.FromImage(cropped, src.Format(), pool)
	}

	r := float64(side) / 2
	out := mask(square, pool, func(x, y int) bool {
		return math.Hypot(float64(x)+0.5-r, float64(y)+0.5-r) <= r
	})
	if square != src {
		pool.Release(square, pool != nil)
	}
	return out, nil
}

// Blur applies a gaussian blur.
type Blur struct {
	Radius float64
}

func (b Blur) Key() string {
	return "BlurTransformed(" + formatFloat(b.Radius) + ")"
}

func (b Blur) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if !(b.Radius > 0) {
		return src, nil
	}
	radius := math.Min(b.Radius, MaxBlurRadius)
	return bitmap.FromImage(blur.Gaussian(src.Image(), radius), src.Format(), pool), nil
}

// Grayscale removes color.
type Grayscale struct{}

func (Grayscale) Key() string {
	return "GrayscaleTransformed"
}

func (Grayscale) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	return bitmap.FromImage(effect.Grayscale(src.Image()), src.Format(), pool), nil
}

// Tint blends every pixel toward Color by Amount in Lab space.
type Tint struct {
	Color  colorful.Color
	Amount float64
}

func (t Tint) Key() string {
	return "TintTransformed(" + t.Color.Clamped().Hex() + "," + formatFloat(t.Amount) + ")"
}

func (t Tint) Transform(ctx context.Context, src *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if !(t.Amount > 0) {
		return src, nil
	}
	amount := math.Min(t.Amount, 1)
	img := src.Image()
	out := pool.Get(src.Width(), src.Height(), src.Format())
	dst := out.Image()
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if y%64 == 0 && ctx.Err() != nil {
			pool.Release(out, true)
			return nil, ctx.Err()
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if px.A == 0 {
				dst.Set(x, y, px)
				continue
			}
			c, _ := colorful.MakeColor(color.NRGBA{R: px.R, G: px.G, B: px.B, A: 255})
			r, g, b := c.BlendLab(t.Color, amount).Clamped().RGB255()
			dst.Set(x, y, color.NRGBA{R: r, G: g, B: b, A: px.A})
		}
	}
	return out, nil
}

// mask copies src into a new bitmap, clearing pixels where keep is false.
func mask(src *bitmap.Bitmap, pool *bitmap.Pool, keep func(x, y int) bool) *bitmap.Bitmap {
	out := bitmap.FromImage(src.Image(), src.Format(), pool)
	dst := out.Image()
	for y := 0; y < out.Height(); y++ {
		for x := 0; x < out.Width(); x++ {
			if !keep(x, y) {
				dst.Set(x, y, color.Transparent)
			}
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Parse reads a comma-separated transformation list such as
// "rotate:90,blur:2,gray,tint:#ff0000:0.3,round:12,circle".
func Parse(s string) ([]Transformation, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > MaxTransformations {
		return nil, fmt.Errorf("%w: %d transformations, at most %d allowed",
			ErrInvalidTransformation, len(parts), MaxTransformations)
	}
	var out []Transformation
	for _, part := range parts {
		fields := strings.Split(strings.TrimSpace(part), ":")
		name, args := fields[0], fields[1:]
		switch name {
		case "rotate":
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: rotate needs degrees", ErrInvalidTransformation)
			}
			deg, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, fmt.Errorf("%w: rotate %q: %v", ErrInvalidTransformation, args[0], err)
			}
			out = append(out, Rotate{Degrees: deg})
		case "blur":
			v, err := parseFloatArg(name, args, MaxBlurRadius)
			if err != nil {
				return nil, err
			}
			out = append(out, Blur{Radius: v})
		case "round":
			v, err := parseFloatArg(name, args, MaxCornerRadius)
			if err != nil {
				return nil, err
			}
			out = append(out, RoundedCorners{Radius: v})
		case "gray", "grayscale":
			out = append(out, Grayscale{})
		case "circle":
			scale := resize.CenterCrop
			if len(args) == 1 {
				var err error
				if scale, err = resize.ParseScale(args[0]); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidTransformation, err)
				}
			}
			out = append(out, CircleCrop{Scale: scale})
		case "tint":
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: tint needs color and amount", ErrInvalidTransformation)
			}
			c, err := colorful.Hex(args[0])
			if err != nil {
				return nil, fmt.Errorf("%w: tint color %q: %v", ErrInvalidTransformation, args[0], err)
			}
			amount, err := parseFloatArg("tint amount", args[1:], 1)
			if err != nil {
				return nil, err
			}
			out = append(out, Tint{Color: c, Amount: amount})
		default:
			return nil, fmt.Errorf("%w: unknown transformation %q", ErrInvalidTransformation, name)
		}
	}
	return out, nil
}

// parseFloatArg reads a single finite argument in [0, limit]. NaN fails
// every comparison, so the range check is written to reject it.
func parseFloatArg(name string, args []string, limit float64) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: %s needs one argument", ErrInvalidTransformation, name)
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil || !(v >= 0 && v <= limit) {
		return 0, fmt.Errorf("%w: %s %q must be between 0 and %s",
			ErrInvalidTransformation, name, args[0], formatFloat(limit))
	}
	return v, nil
}
