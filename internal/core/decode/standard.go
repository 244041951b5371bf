package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"log/slog"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/request"
	"Lumen/internal/core/resize"
)

// regionFormats can be cropped before scaling.
var regionFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"webp": true,
}

// StandardFactory decodes every raster format registered with the image
// package.
type StandardFactory struct {
	helper *Helper
}

// NewStandardFactory creates a factory whose decoders lease buffers from pool.
func NewStandardFactory(pool *bitmap.Pool, logger *slog.Logger) *StandardFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StandardFactory{helper: &Helper{Pool: pool, Logger: logger}}
}

// Create accepts image MIME types and data of unknown type. Vector formats
// are left to other factories.
func (f *StandardFactory) Create(fr *fetch.Result, rc *request.Context) (Decoder, error) {
	mt := strings.ToLower(fr.MimeType)
	if mt != "" && (!strings.HasPrefix(mt, "image/") || strings.Contains(mt, "svg")) {
		return nil, nil
	}
	return &StandardDecoder{helper: f.helper, fr: fr, rc: rc}, nil
}

// StandardDecoder decodes one fetch result with the image package.
type StandardDecoder struct {
	helper *Helper
	fr     *fetch.Result
	rc     *request.Context
}

// Decode runs the helper over the fetched data.
func (d *StandardDecoder) Decode(ctx context.Context) (*Result, error) {
	src := &imageSource{data: d.fr.Source}
	return d.helper.Decode(ctx, src, d.rc, d.fr.DataFrom)
}

// imageSource reopens the data source for every pass.
type imageSource struct {
	data   fetch.DataSource
	format string
}

func (s *imageSource) ReadImageInfo(ctx context.Context) (request.ImageInfo, error) {
	r, err := s.data.Open()
	if err != nil {
		return request.ImageInfo{}, fmt.Errorf("%w: open source: %w", ErrDecodeFailed, err)
	}
	defer r.Close()

	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return request.ImageInfo{}, classify(err)
	}
	s.format = format

	info := request.ImageInfo{
		Width:           cfg.Width,
		Height:          cfg.Height,
		MimeType:        "image/" + format,
		ExifOrientation: 1,
	}
	if format == "jpeg" || format == "tiff" {
		if _, err := r.Seek(0, io.SeekStart); err == nil {
			info.ExifOrientation = readOrientation(r)
		}
	}
	return info, nil
}

func (s *imageSource) CanDecodeRegion() bool {
	return regionFormats[s.format]
}

func (s *imageSource) Decode(ctx context.Context, region image.Rectangle, sample int, format bitmap.PixelFormat, dst *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	w, h := resize.Sampled(region.Dx(), sample), resize.Sampled(region.Dy(), sample)
	if dst != nil && (dst.Width() != w || dst.Height() != h || dst.Format() != format) {
		return nil, fmt.Errorf("%w: have %dx%d/%s, need %dx%d/%s", ErrIncompatibleBuffer,
			dst.Width(), dst.Height(), dst.Format(), w, h, format)
	}

	r, err := s.data.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open source: %w", ErrDecodeFailed, err)
	}
	defer r.Close()

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, classify(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Decoded images may not start at the origin.
	b := img.Bounds()
	srcRect := region.Add(b.Min).Intersect(b)
	if srcRect.Empty() {
		return nil, fmt.Errorf("%w: region %v outside %v", ErrInvalidSize, region, b)
	}

	if dst == nil {
		dst = bitmap.New(w, h, format)
	}
	if srcRect.Dx() == w && srcRect.Dy() == h {
		draw.Draw(dst.Image(), dst.Bounds(), img, srcRect.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst.Image(), dst.Bounds(), img, srcRect, xdraw.Src, nil)
	}
	return dst, nil
}

// readOrientation returns the EXIF orientation tag, 1 when absent or unreadable.
func readOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// classify maps image package errors onto the decode error family.
func classify(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
}
