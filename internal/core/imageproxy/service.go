// Package imageproxy serves preset-sized, encoded images on top of the
// pipeline engine. Presets define the target dimensions, fit mode, output
// format and quality for common use cases like avatars, banners, and feed
// thumbnails. Fetching, decoding and caching all happen in the engine.
package imageproxy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"Lumen/internal/core/diskcache"
	"Lumen/internal/core/pipeline"
	"Lumen/internal/core/request"
	"Lumen/internal/core/transform"
)

// Executor runs image requests. *pipeline.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req *request.ImageRequest) pipeline.Result
}

// Query selects a source image and how to render it.
type Query struct {
	Preset string
	URI    string
	// Transformations is the t= list, e.g. "rotate:90,gray".
	Transformations string
}

// Image is an encoded response body.
type Image struct {
	Data        []byte
	ContentType string
	ETag        string
	From        request.DataFrom
	Source      request.ImageInfo
}

// Service defines the interface for the image proxy service.
type Service interface {
	// GetImage renders q through the engine and encodes it.
	GetImage(ctx context.Context, q Query) (*Image, error)
	// ETag returns the entity tag GetImage would send for q, without
	// loading anything.
	ETag(q Query) (string, error)
}

// ImageProxyService implements the Service interface.
type ImageProxyService struct {
	engine  Executor
	encoder Encoder
	logger  *slog.Logger
}

// NewService creates a new ImageProxyService with the provided dependencies.
// Returns an error if any required dependency is nil.
func NewService(engine Executor, encoder Encoder, logger *slog.Logger) (*ImageProxyService, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine", ErrNilDependency)
	}
	if encoder == nil {
		return nil, fmt.Errorf("%w: encoder", ErrNilDependency)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageProxyService{
		engine:  engine,
		encoder: encoder,
		logger:  logger,
	}, nil
}

type plan struct {
	req     *request.ImageRequest
	format  OutputFormat
	quality int
}

func (s *ImageProxyService) plan(q Query) (*plan, error) {
	preset, err := GetPreset(q.Preset)
	if err != nil {
		return nil, err
	}
	if err := ValidateURI(q.URI); err != nil {
		return nil, err
	}

	var ts []transform.Transformation
	if q.Transformations != "" {
		ts, err = transform.Parse(q.Transformations)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransform, err)
		}
	}

	b := preset.Apply(request.NewBuilder(q.URI))
	if len(ts) > 0 {
		b = b.Transformations(ts...)
	}

	format := preset.Format
	if needsAlpha(ts) {
		format = FormatPNG
	}
	return &plan{req: b.Build(), format: format, quality: preset.Quality}, nil
}

// etag derives from the result key plus the encoding settings, so it only
// changes when the rendered bytes would.
func (p *plan) etag() string {
	key := p.req.ResultKey() + "_" + string(p.format) + "_" + strconv.Itoa(p.quality)
	return `"` + diskcache.HashKey(key) + `"`
}

// ETag implements Service.
func (s *ImageProxyService) ETag(q Query) (string, error) {
	p, err := s.plan(q)
	if err != nil {
		return "", err
	}
	return p.etag(), nil
}

// GetImage implements Service.
func (s *ImageProxyService) GetImage(ctx context.Context, q Query) (*Image, error) {
	p, err := s.plan(q)
	if err != nil {
		return nil, err
	}

	switch res := s.engine.Execute(ctx, p.req).(type) {
	case *pipeline.Success:
		defer res.Release()
		data, err := s.encoder.Encode(res.Bitmap.Bitmap().Image(), p.format, p.quality)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("[IMAGE-PROXY] rendered image",
			"preset", q.Preset,
			"uri", q.URI,
			"from", res.DataFrom.String(),
			"size_bytes", len(data),
		)
		return &Image{
			Data:        data,
			ContentType: p.format.ContentType(),
			ETag:        p.etag(),
			From:        res.DataFrom,
			Source:      res.Info,
		}, nil
	case *pipeline.Error:
		return nil, res.Err
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
}

// needsAlpha reports whether ts leave transparent pixels behind.
func needsAlpha(ts []transform.Transformation) bool {
	for _, t := range ts {
		switch t.(type) {
		case transform.CircleCrop, transform.RoundedCorners:
			return true
		}
	}
	return false
}
