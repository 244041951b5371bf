package request

import (
	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/resize"
	"Lumen/internal/core/transform"
)

// ImageOptions holds optional request settings. A nil field is unset.
// The engine keeps a global ImageOptions that fills whatever a request
// leaves unset.
type ImageOptions struct {
	Depth     *Depth
	DepthFrom string

	Parameters *Parameters
	Headers    map[string]string

	DownloadCachePolicy *CachePolicy
	ResultCachePolicy   *CachePolicy
	MemoryCachePolicy   *CachePolicy

	ResizeSize   *resize.Size
	SizeResolver SizeResolver
	Precision    *resize.Precision
	Scale        *resize.Scale
	MaxSize      *resize.Size

	Format     *bitmap.PixelFormat
	ColorSpace *string

	Transformations []transform.Transformation

	DisallowReuseBitmap   *bool
	IgnoreExifOrientation *bool
}

// IsEmpty reports whether no field is set.
func (o *ImageOptions) IsEmpty() bool {
	if o == nil {
		return true
	}
	return o.Depth == nil && o.Parameters.Len() == 0 && len(o.Headers) == 0 &&
		o.DownloadCachePolicy == nil && o.ResultCachePolicy == nil && o.MemoryCachePolicy == nil &&
		o.ResizeSize == nil && o.SizeResolver == nil && o.Precision == nil && o.Scale == nil &&
		o.MaxSize == nil && o.Format == nil && o.ColorSpace == nil && o.Transformations == nil &&
		o.DisallowReuseBitmap == nil && o.IgnoreExifOrientation == nil
}

// Merge returns a copy of o where every unset field is taken from other.
// Fields set on o always win. Headers and parameters are merged per key
// with the same rule.
func (o *ImageOptions) Merge(other *ImageOptions) *ImageOptions {
	if o == nil {
		o = &ImageOptions{}
	}
	merged := o.clone()
	if other == nil {
		return merged
	}

	if merged.Depth == nil && other.Depth != nil {
		merged.Depth = ptr(*other.Depth)
		merged.DepthFrom = other.DepthFrom
	}
	merged.Parameters = merged.Parameters.merge(other.Parameters)
	for k, v := range other.Headers {
		if _, ok := merged.Headers[k]; !ok {
			if merged.Headers == nil {
				merged.Headers = make(map[string]string)
			}
			merged.Headers[k] = v
		}
	}
	merged.DownloadCachePolicy = fill(merged.DownloadCachePolicy, other.DownloadCachePolicy)
	merged.ResultCachePolicy = fill(merged.ResultCachePolicy, other.ResultCachePolicy)
	merged.MemoryCachePolicy = fill(merged.MemoryCachePolicy, other.MemoryCachePolicy)
	if merged.ResizeSize == nil && merged.SizeResolver == nil {
		merged.ResizeSize = fill(nil, other.ResizeSize)
		merged.SizeResolver = other.SizeResolver
	}
	merged.Precision = fill(merged.Precision, other.Precision)
	merged.Scale = fill(merged.Scale, other.Scale)
	merged.MaxSize = fill(merged.MaxSize, other.MaxSize)
	merged.Format = fill(merged.Format, other.Format)
	merged.ColorSpace = fill(merged.ColorSpace, other.ColorSpace)
	if merged.Transformations == nil && other.Transformations != nil {
		merged.Transformations = append([]transform.Transformation(nil), other.Transformations...)
	}
	merged.DisallowReuseBitmap = fill(merged.DisallowReuseBitmap, other.DisallowReuseBitmap)
	merged.IgnoreExifOrientation = fill(merged.IgnoreExifOrientation, other.IgnoreExifOrientation)
	return merged
}

func (o *ImageOptions) clone() *ImageOptions {
	c := *o
	if o.Headers != nil {
		c.Headers = make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			c.Headers[k] = v
		}
	}
	if o.Transformations != nil {
		c.Transformations = append([]transform.Transformation(nil), o.Transformations...)
	}
	return &c
}

func fill[T any](v, fallback *T) *T {
	if v != nil || fallback == nil {
		return v
	}
	return ptr(*fallback)
}

func ptr[T any](v T) *T {
	return &v
}
