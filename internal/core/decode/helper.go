package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/request"
	"Lumen/internal/core/resize"
)

// Source is a format specific decoder for one piece of data.
type Source interface {
	// ReadImageInfo reads the header only.
	ReadImageInfo(ctx context.Context) (request.ImageInfo, error)
	// CanDecodeRegion reports whether Decode honors a region smaller than
	// the image.
	CanDecodeRegion() bool
	// Decode decodes region, downsampled by sample, into a bitmap of format.
	// dst is a reuse candidate sized Sampled(region, sample); the source
	// either fills and returns it or returns ErrIncompatibleBuffer. dst may
	// be nil.
	Decode(ctx context.Context, region image.Rectangle, sample int, format bitmap.PixelFormat, dst *bitmap.Bitmap) (*bitmap.Bitmap, error)
}

// Helper runs the format independent decode steps.
type Helper struct {
	Pool   *bitmap.Pool
	Logger *slog.Logger
}

// plan is what the helper decided before touching pixels.
type plan struct {
	orientation int
	// oriented size of the full image
	width, height int
	// region of the oriented image that is decoded
	region    image.Rectangle
	useRegion bool
	sample    int
	mapping   resize.Mapping
	hasResize bool
	maxSize   resize.Size
	hasMax    bool
}

// Decode produces the final bitmap for rc from src.
func (h *Helper) Decode(ctx context.Context, src Source, rc *request.Context, from request.DataFrom) (*Result, error) {
	req := rc.Request
	allowReuse := !req.DisallowReuseBitmap()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := src.ReadImageInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Width <= 1 || info.Height <= 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, info.Width, info.Height)
	}

	p := h.plan(info, src.CanDecodeRegion(), req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, err := h.decodePooled(ctx, src, p, req.Format(), allowReuse)
	if err != nil {
		return nil, err
	}
	if cur.Width() <= 1 || cur.Height() <= 1 {
		h.Pool.Release(cur, allowReuse)
		return nil, fmt.Errorf("%w: decoded %dx%d", ErrInvalidSize, cur.Width(), cur.Height())
	}

	// Each stage may replace cur; the previous buffer goes back to the pool.
	replace := func(next *bitmap.Bitmap) {
		if next != cur {
			h.Pool.Release(cur, allowReuse)
			cur = next
		}
	}
	fail := func(err error) (*Result, error) {
		h.Pool.Release(cur, allowReuse)
		return nil, err
	}

	if p.orientation > 1 {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		replace(h.orient(cur, p.orientation, req.Format()))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	replace(h.applySize(cur, p, req.Format()))

	// Without reuse, transformations allocate fresh buffers and drop their
	// intermediates.
	transformPool := h.Pool
	if !allowReuse {
		transformPool = nil
	}
	var transformed []string
	for _, t := range req.Transformations() {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		next, err := t.Transform(ctx, cur, transformPool)
		if err != nil {
			return fail(fmt.Errorf("transformation %s: %w", t.Key(), err))
		}
		if next != cur {
			replace(next)
			transformed = append(transformed, t.Key())
		}
	}

	h.logger().Debug("[DECODE] decoded",
		"uri", req.URI(),
		"source", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"output", fmt.Sprintf("%dx%d", cur.Width(), cur.Height()),
		"sample", p.sample,
		"region", p.useRegion,
		"orientation", p.orientation,
	)

	return &Result{
		Bitmap:      cur,
		Info:        info,
		DataFrom:    from,
		Transformed: transformed,
	}, nil
}

func (h *Helper) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Helper) plan(info request.ImageInfo, canRegion bool, req *request.ImageRequest) plan {
	p := plan{orientation: 1, width: info.Width, height: info.Height, sample: 1}
	if !req.IgnoreExifOrientation() && info.ExifOrientation > 1 && info.ExifOrientation <= 8 {
		p.orientation = info.ExifOrientation
		if transposes(p.orientation) {
			p.width, p.height = info.Height, info.Width
		}
	}
	p.region = image.Rect(0, 0, p.width, p.height)
	p.maxSize, p.hasMax = req.MaxSize()

	r, ok := req.Resize()
	if ok {
		p.hasResize = true
		p.mapping = resize.Calculate(p.width, p.height, r)

		crop := p.mapping.SrcRect
		p.useRegion = canRegion &&
			p.orientation == 1 &&
			r.Scale != resize.Fill &&
			crop != p.region &&
			(r.Precision == resize.Exactly ||
				(r.Precision == resize.SameAspectRatio &&
					resize.AspectRatioDiffers(p.width, p.height, r.Size.Width, r.Size.Height)))
		if p.useRegion {
			p.region = crop
		}

		switch r.Precision {
		case resize.LessPixels, resize.SameAspectRatio:
			p.sample = resize.SampleSizeForPixels(crop.Dx(), crop.Dy(), r.Size.Width, r.Size.Height)
		default:
			p.sample = resize.SampleSize(crop.Dx(), crop.Dy(), p.mapping.NewWidth, p.mapping.NewHeight)
		}
	}

	if p.hasMax {
		p.sample = max(p.sample, resize.SampleSizeForPixels(p.width, p.height, p.maxSize.Width, p.maxSize.Height))
	}
	return p
}

// decodePooled decodes into a leased buffer, retrying once without it when
// the source rejects the buffer.
func (h *Helper) decodePooled(ctx context.Context, src Source, p plan, format bitmap.PixelFormat, allowReuse bool) (*bitmap.Bitmap, error) {
	// The source decodes in raw orientation. Regions are only used for
	// orientation 1, so a transposed image is always decoded whole.
	region := p.region
	if transposes(p.orientation) {
		region = image.Rect(0, 0, p.height, p.width)
	}
	w, hgt := resize.Sampled(region.Dx(), p.sample), resize.Sampled(region.Dy(), p.sample)

	var dst *bitmap.Bitmap
	if allowReuse {
		dst = h.Pool.Lease(w, hgt, format)
	}
	out, err := src.Decode(ctx, region, p.sample, format, dst)
	if err == nil {
		return out, nil
	}
	if dst != nil {
		h.Pool.Release(dst, allowReuse)
	}
	if dst == nil || !errors.Is(err, ErrIncompatibleBuffer) {
		return nil, err
	}

	h.logger().Debug("[DECODE] reuse buffer rejected, retrying with a fresh one",
		"shape", fmt.Sprintf("%dx%d", w, hgt),
	)
	return src.Decode(ctx, region, p.sample, format, nil)
}

// applySize maps the decoded region onto the requested output size.
func (h *Helper) applySize(cur *bitmap.Bitmap, p plan, format bitmap.PixelFormat) *bitmap.Bitmap {
	cw, ch := cur.Width(), cur.Height()
	var (
		outW, outH int
		srcRect    image.Rectangle
	)
	switch {
	case p.hasResize:
		outW, outH = p.mapping.NewWidth, p.mapping.NewHeight
		srcRect = scaleRect(p.mapping.SrcRect, p.region, cw, ch)
	case p.hasMax && (cw > p.maxSize.Width || ch > p.maxSize.Height):
		f := min(float64(p.maxSize.Width)/float64(cw), float64(p.maxSize.Height)/float64(ch))
		outW, outH = max(int(float64(cw)*f+0.5), 1), max(int(float64(ch)*f+0.5), 1)
		srcRect = cur.Bounds()
	default:
		return cur
	}
	if p.hasMax {
		outW, outH = fitWithin(outW, outH, p.maxSize)
	}
	if outW == cw && outH == ch && srcRect == cur.Bounds() {
		return cur
	}

	dst := h.Pool.Get(outW, outH, format)
	xdraw.BiLinear.Scale(dst.Image(), dst.Bounds(), cur.Image(), srcRect, xdraw.Src, nil)
	return dst
}

// scaleRect maps r, given in the coordinates of region, onto a cw x ch
// buffer holding that region.
func scaleRect(r, region image.Rectangle, cw, ch int) image.Rectangle {
	rw, rh := region.Dx(), region.Dy()
	sx := func(x int) int { return (x - region.Min.X) * cw / rw }
	sy := func(y int) int { return (y - region.Min.Y) * ch / rh }
	out := image.Rect(sx(r.Min.X), sy(r.Min.Y), sx(r.Max.X), sy(r.Max.Y))
	return out.Intersect(image.Rect(0, 0, cw, ch))
}

func fitWithin(w, h int, limit resize.Size) (int, int) {
	if w <= limit.Width && h <= limit.Height {
		return w, h
	}
	f := min(float64(limit.Width)/float64(w), float64(limit.Height)/float64(h))
	return max(int(float64(w)*f+0.5), 1), max(int(float64(h)*f+0.5), 1)
}

// transposes reports whether an EXIF orientation swaps width and height.
func transposes(orientation int) bool {
	return orientation >= 5 && orientation <= 8
}

// orient applies an EXIF orientation.
func (h *Helper) orient(cur *bitmap.Bitmap, orientation int, format bitmap.PixelFormat) *bitmap.Bitmap {
	var img image.Image = cur.Image()
	switch orientation {
	case 2:
		img = imaging.FlipH(img)
	case 3:
		img = imaging.Rotate180(img)
	case 4:
		img = imaging.FlipV(img)
	case 5:
		img = imaging.Transpose(img)
	case 6:
		img = imaging.Rotate270(img)
	case 7:
		img = imaging.Transverse(img)
	case 8:
		img = imaging.Rotate90(img)
	default:
		return cur
	}
	return bitmap.FromImage(img, format, h.Pool)
}
