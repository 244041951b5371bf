package imageproxy

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Encoder turns a processed image into response bytes.
type Encoder interface {
	Encode(img image.Image, format OutputFormat, quality int) ([]byte, error)
}

// ImageEncoder implements Encoder using the imaging library.
type ImageEncoder struct{}

// NewEncoder creates a new ImageEncoder instance.
func NewEncoder() Encoder {
	return &ImageEncoder{}
}

// Encode writes img as JPEG or PNG. JPEG output is flattened onto white
// first so transparent corners do not turn black.
func (e *ImageEncoder) Encode(img image.Image, format OutputFormat, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncodeFailed)
	}

	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncodeFailed, err)
		}
	case FormatJPEG:
		b := img.Bounds()
		flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)
		if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncodeFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrEncodeFailed, format)
	}
	return buf.Bytes(), nil
}
