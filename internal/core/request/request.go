// Package request models an image request and derives its cache keys.
//
// An ImageRequest is immutable once built. Two requests with equal fields
// always derive equal keys:
//
//   - the fetch key identifies the raw source bytes (URI plus headers), so
//     requests that only differ in decode options share one download;
//   - the result key identifies the processed output and adds every option
//     that changes output bytes, in a fixed order.
package request

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/resize"
	"Lumen/internal/core/transform"
)

// SizeResolver supplies the resize target when the caller does not know it
// up front. Size may block, for example until a layout pass completes.
type SizeResolver interface {
	Size(ctx context.Context) (resize.Size, error)
}

// SizeResolverFunc adapts a function to SizeResolver.
type SizeResolverFunc func(ctx context.Context) (resize.Size, error)

// Size calls f.
func (f SizeResolverFunc) Size(ctx context.Context) (resize.Size, error) {
	return f(ctx)
}

// ImageRequest describes one image to load. Build it with NewBuilder.
type ImageRequest struct {
	uri     string
	defined *ImageOptions

	depth     Depth
	depthFrom string

	parameters *Parameters
	headers    map[string]string

	downloadCachePolicy CachePolicy
	resultCachePolicy   CachePolicy
	memoryCachePolicy   CachePolicy

	resizeSize   *resize.Size
	sizeResolver SizeResolver
	precision    resize.Precision
	scale        resize.Scale
	maxSize      *resize.Size

	format     bitmap.PixelFormat
	colorSpace string

	transformations []transform.Transformation

	disallowReuseBitmap   bool
	ignoreExifOrientation bool

	listeners         []Listener
	progressListeners []ProgressListener
}

func (r *ImageRequest) URI() string                      { return r.uri }
func (r *ImageRequest) Depth() Depth                     { return r.depth }
func (r *ImageRequest) DepthFrom() string                { return r.depthFrom }
func (r *ImageRequest) Parameters() *Parameters          { return r.parameters }
func (r *ImageRequest) DownloadCachePolicy() CachePolicy { return r.downloadCachePolicy }
func (r *ImageRequest) ResultCachePolicy() CachePolicy   { return r.resultCachePolicy }
func (r *ImageRequest) MemoryCachePolicy() CachePolicy   { return r.memoryCachePolicy }
func (r *ImageRequest) SizeResolver() SizeResolver       { return r.sizeResolver }
func (r *ImageRequest) Precision() resize.Precision      { return r.precision }
func (r *ImageRequest) Scale() resize.Scale              { return r.scale }
func (r *ImageRequest) Format() bitmap.PixelFormat       { return r.format }
func (r *ImageRequest) ColorSpace() string               { return r.colorSpace }
func (r *ImageRequest) DisallowReuseBitmap() bool        { return r.disallowReuseBitmap }
func (r *ImageRequest) IgnoreExifOrientation() bool      { return r.ignoreExifOrientation }

// Headers returns a copy of the request headers.
func (r *ImageRequest) Headers() map[string]string {
	if r.headers == nil {
		return nil
	}
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// Resize returns the resize target when the size is known.
func (r *ImageRequest) Resize() (resize.Resize, bool) {
	if r.resizeSize == nil || r.resizeSize.IsEmpty() {
		return resize.Resize{}, false
	}
	return resize.Resize{Size: *r.resizeSize, Precision: r.precision, Scale: r.scale}, true
}

// MaxSize returns the decode size cap.
func (r *ImageRequest) MaxSize() (resize.Size, bool) {
	if r.maxSize == nil || r.maxSize.IsEmpty() {
		return resize.Size{}, false
	}
	return *r.maxSize, true
}

// NeedsSizeResolution reports whether the resize size still has to come
// from the size resolver.
func (r *ImageRequest) NeedsSizeResolution() bool {
	return r.resizeSize == nil && r.sizeResolver != nil
}

// Transformations returns the post-decode transformations in order.
func (r *ImageRequest) Transformations() []transform.Transformation {
	return append([]transform.Transformation(nil), r.transformations...)
}

// Listeners returns the listeners in registration order.
func (r *ImageRequest) Listeners() Listeners {
	return append(Listeners(nil), r.listeners...)
}

// ProgressListeners returns the progress listeners in registration order.
func (r *ImageRequest) ProgressListeners() []ProgressListener {
	return append([]ProgressListener(nil), r.progressListeners...)
}

// NewBuilder returns a builder seeded with this request's explicit
// options and listeners.
func (r *ImageRequest) NewBuilder() *Builder {
	return &Builder{
		uri:               r.uri,
		opts:              r.defined.clone(),
		listeners:         append([]Listener(nil), r.listeners...),
		progressListeners: append([]ProgressListener(nil), r.progressListeners...),
	}
}

// FetchKey identifies the raw source bytes.
func (r *ImageRequest) FetchKey() string {
	if len(r.headers) == 0 {
		return r.uri
	}
	names := make([]string, 0, len(r.headers))
	for k := range r.headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(r.uri)
	b.WriteString("_Headers(")
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(r.headers[k])
	}
	b.WriteByte(')')
	return b.String()
}

// ResultKey identifies the processed output. A request whose size is
// still unresolved yields the key of an unresized output, so callers
// resolve the size first.
func (r *ImageRequest) ResultKey() string {
	var b strings.Builder
	b.WriteString(r.FetchKey())
	if ck := r.parameters.CacheKey(); ck != "" {
		b.WriteString("_")
		b.WriteString(ck)
	}
	if r.format != bitmap.NRGBA {
		b.WriteString("_BitmapConfig(")
		b.WriteString(r.format.String())
		b.WriteString(")")
	}
	if r.colorSpace != "" {
		b.WriteString("_ColorSpace(")
		b.WriteString(r.colorSpace)
		b.WriteString(")")
	}
	if rs, ok := r.Resize(); ok {
		b.WriteString("_")
		b.WriteString(rs.Key())
	}
	if ms, ok := r.MaxSize(); ok {
		b.WriteString("_MaxSize(")
		b.WriteString(ms.String())
		b.WriteString(")")
	}
	if len(r.transformations) > 0 {
		keys := make([]string, len(r.transformations))
		for i, t := range r.transformations {
			keys[i] = t.Key()
		}
		b.WriteString("_Transformations(")
		b.WriteString(strings.Join(keys, ","))
		b.WriteString(")")
	}
	if r.ignoreExifOrientation {
		b.WriteString("_IgnoreExifOrientation")
	}
	return b.String()
}

// Builder assembles an ImageRequest.
type Builder struct {
	uri               string
	opts              *ImageOptions
	defaults          []*ImageOptions
	listeners         []Listener
	progressListeners []ProgressListener
}

// NewBuilder starts a request for uri.
func NewBuilder(uri string) *Builder {
	return &Builder{uri: uri, opts: &ImageOptions{}}
}

// Depth limits how far the pipeline may reach. from names the reason.
func (b *Builder) Depth(d Depth, from string) *Builder {
	b.opts.Depth = ptr(d)
	b.opts.DepthFrom = from
	return b
}

// Parameter sets a named parameter. A non-empty cacheKey makes it part of
// the result key.
func (b *Builder) Parameter(key, value, cacheKey string) *Builder {
	b.opts.Parameters = b.opts.Parameters.with(key, Parameter{Value: value, CacheKey: cacheKey})
	return b
}

// Header adds a request header sent by network fetchers.
func (b *Builder) Header(name, value string) *Builder {
	if b.opts.Headers == nil {
		b.opts.Headers = make(map[string]string)
	}
	b.opts.Headers[name] = value
	return b
}

func (b *Builder) DownloadCachePolicy(p CachePolicy) *Builder {
	b.opts.DownloadCachePolicy = ptr(p)
	return b
}

func (b *Builder) ResultCachePolicy(p CachePolicy) *Builder {
	b.opts.ResultCachePolicy = ptr(p)
	return b
}

func (b *Builder) MemoryCachePolicy(p CachePolicy) *Builder {
	b.opts.MemoryCachePolicy = ptr(p)
	return b
}

// Resize sets an explicit target size. It replaces any size resolver.
func (b *Builder) Resize(width, height int) *Builder {
	b.opts.ResizeSize = &resize.Size{Width: width, Height: height}
	b.opts.SizeResolver = nil
	return b
}

// ResizeWith sets the size, precision and scale together.
func (b *Builder) ResizeWith(r resize.Resize) *Builder {
	b.Resize(r.Size.Width, r.Size.Height)
	b.opts.Precision = ptr(r.Precision)
	b.opts.Scale = ptr(r.Scale)
	return b
}

// SizeResolver defers the target size until execution. It replaces any
// explicit size.
func (b *Builder) SizeResolver(r SizeResolver) *Builder {
	b.opts.SizeResolver = r
	b.opts.ResizeSize = nil
	return b
}

func (b *Builder) Precision(p resize.Precision) *Builder {
	b.opts.Precision = ptr(p)
	return b
}

func (b *Builder) Scale(s resize.Scale) *Builder {
	b.opts.Scale = ptr(s)
	return b
}

// MaxSize caps the decoded resolution.
func (b *Builder) MaxSize(width, height int) *Builder {
	b.opts.MaxSize = &resize.Size{Width: width, Height: height}
	return b
}

func (b *Builder) Format(f bitmap.PixelFormat) *Builder {
	b.opts.Format = ptr(f)
	return b
}

func (b *Builder) ColorSpace(name string) *Builder {
	b.opts.ColorSpace = ptr(name)
	return b
}

// Transformations replaces the transformation list.
func (b *Builder) Transformations(ts ...transform.Transformation) *Builder {
	b.opts.Transformations = append([]transform.Transformation{}, ts...)
	return b
}

// AddTransformations appends transformations whose key is not present yet.
func (b *Builder) AddTransformations(ts ...transform.Transformation) *Builder {
	existing := make(map[string]bool, len(b.opts.Transformations))
	for _, t := range b.opts.Transformations {
		existing[t.Key()] = true
	}
	for _, t := range ts {
		if !existing[t.Key()] {
			b.opts.Transformations = append(b.opts.Transformations, t)
			existing[t.Key()] = true
		}
	}
	return b
}

func (b *Builder) DisallowReuseBitmap(v bool) *Builder {
	b.opts.DisallowReuseBitmap = ptr(v)
	return b
}

func (b *Builder) IgnoreExifOrientation(v bool) *Builder {
	b.opts.IgnoreExifOrientation = ptr(v)
	return b
}

// Listener registers a lifecycle listener.
func (b *Builder) Listener(l Listener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// ProgressListener registers a download progress callback.
func (b *Builder) ProgressListener(l ProgressListener) *Builder {
	b.progressListeners = append(b.progressListeners, l)
	return b
}

// Merge registers defaults that fill fields the builder leaves unset.
// Defaults registered first take precedence over later ones.
func (b *Builder) Merge(o *ImageOptions) *Builder {
	if o != nil {
		b.defaults = append(b.defaults, o)
	}
	return b
}

// Build creates the immutable request.
func (b *Builder) Build() *ImageRequest {
	opts := b.opts.clone()
	for _, d := range b.defaults {
		opts = opts.Merge(d)
	}

	r := &ImageRequest{
		uri:               b.uri,
		defined:           opts.clone(),
		parameters:        opts.Parameters,
		headers:           opts.Headers,
		sizeResolver:      opts.SizeResolver,
		transformations:   opts.Transformations,
		listeners:         append([]Listener(nil), b.listeners...),
		progressListeners: append([]ProgressListener(nil), b.progressListeners...),
	}
	if opts.Depth != nil {
		r.depth = *opts.Depth
		r.depthFrom = opts.DepthFrom
	}
	if opts.DownloadCachePolicy != nil {
		r.downloadCachePolicy = *opts.DownloadCachePolicy
	}
	if opts.ResultCachePolicy != nil {
		r.resultCachePolicy = *opts.ResultCachePolicy
	}
	if opts.MemoryCachePolicy != nil {
		r.memoryCachePolicy = *opts.MemoryCachePolicy
	}
	if opts.ResizeSize != nil {
		r.resizeSize = ptr(*opts.ResizeSize)
	}
	if opts.Precision != nil {
		r.precision = *opts.Precision
	}
	if opts.Scale != nil {
		r.scale = *opts.Scale
	}
	if opts.MaxSize != nil {
		r.maxSize = ptr(*opts.MaxSize)
	}
	if opts.Format != nil {
		r.format = *opts.Format
	}
	if opts.ColorSpace != nil {
		r.colorSpace = *opts.ColorSpace
	}
	if opts.DisallowReuseBitmap != nil {
		r.disallowReuseBitmap = *opts.DisallowReuseBitmap
	}
	if opts.IgnoreExifOrientation != nil {
		r.ignoreExifOrientation = *opts.IgnoreExifOrientation
	}
	return r
}

// String is a short description for logs.
func (r *ImageRequest) String() string {
	var b strings.Builder
	b.WriteString("ImageRequest(")
	b.WriteString(r.uri)
	if rs, ok := r.Resize(); ok {
		b.WriteString(", ")
		b.WriteString(rs.Key())
	}
	b.WriteString(", depth=")
	b.WriteString(r.depth.String())
	if n := len(r.transformations); n > 0 {
		b.WriteString(", transformations=")
		b.WriteString(strconv.Itoa(n))
	}
	b.WriteString(")")
	return b.String()
}
