// Package decode turns fetched bytes into a bitmap ready for display.
//
// Format specific work lives behind Source. Helper owns everything that is
// the same for every format: header-first sizing, region and sample
// selection, buffer reuse, orientation, resizing and transformations.
package decode

import (
	"context"
	"fmt"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/request"
)

// Result is a decoded image. The receiver owns Bitmap.
type Result struct {
	Bitmap      *bitmap.Bitmap
	Info        request.ImageInfo
	DataFrom    request.DataFrom
	Transformed []string
	Extras      map[string]string
}

// Decoder decodes one fetch result.
type Decoder interface {
	Decode(ctx context.Context) (*Result, error)
}

// Factory creates a Decoder for data it understands and returns nil for
// everything else.
type Factory interface {
	Create(fr *fetch.Result, rc *request.Context) (Decoder, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(fr *fetch.Result, rc *request.Context) (Decoder, error)

func (f FactoryFunc) Create(fr *fetch.Result, rc *request.Context) (Decoder, error) {
	return f(fr, rc)
}

// Registry picks the first factory that accepts the data.
type Registry struct {
	factories []Factory
}

// NewRegistry creates a registry that consults factories in order.
func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

// Add appends factories with the lowest priority.
func (r *Registry) Add(factories ...Factory) {
	r.factories = append(r.factories, factories...)
}

// Create returns the decoder of the first accepting factory.
func (r *Registry) Create(fr *fetch.Result, rc *request.Context) (Decoder, error) {
	for _, f := range r.factories {
		d, err := f.Create(fr, rc)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q from %s", ErrUnsupportedFormat, fr.MimeType, rc.Request.URI())
}

// Decode creates a decoder for fr and runs it.
func (r *Registry) Decode(ctx context.Context, fr *fetch.Result, rc *request.Context) (*Result, error) {
	d, err := r.Create(fr, rc)
	if err != nil {
		return nil, err
	}
	return d.Decode(ctx)
}
