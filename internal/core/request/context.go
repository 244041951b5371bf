package request

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnresolvedSize is returned when a context is created for a request
// whose size resolver has not run yet.
var ErrUnresolvedSize = errors.New("request size is not resolved")

// Context is the resolved state of one in-flight request: the request with
// an explicit size and its two keys. Cancellation travels separately as the
// context.Context passed along with it.
type Context struct {
	Request   *ImageRequest
	FetchKey  string
	ResultKey string
}

// NewContext derives the keys of a request whose size is already resolved.
func NewContext(req *ImageRequest) (*Context, error) {
	if req.NeedsSizeResolution() {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedSize, req.URI())
	}
	return &Context{
		Request:   req,
		FetchKey:  req.FetchKey(),
		ResultKey: req.ResultKey(),
	}, nil
}

// Resolve runs the size resolver of req, if any, and returns the context of
// the request rebuilt with the explicit size.
func Resolve(ctx context.Context, req *ImageRequest) (*Context, error) {
	if req.NeedsSizeResolution() {
		size, err := req.sizeResolver.Size(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve size: %w", err)
		}
		req = req.NewBuilder().Resize(size.Width, size.Height).Build()
	}
	return NewContext(req)
}

// WithRequest returns a context for a modified request, recomputing keys.
func (c *Context) WithRequest(req *ImageRequest) (*Context, error) {
	return NewContext(req)
}
