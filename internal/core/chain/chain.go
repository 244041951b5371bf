// Package chain runs a request through an ordered list of interceptors in
// front of a terminal operation.
//
// Each interceptor wraps the rest of the chain: it may change the request
// before calling proceed, change the result afterwards, return early
// without calling proceed, or convert an error. Links run strictly one
// after another for a single request.
package chain

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrProceedTwice is returned when an interceptor calls proceed more than once.
var ErrProceedTwice = errors.New("interceptor called proceed more than once")

// Proceed continues the chain with req.
type Proceed[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Interceptor is one link of a chain.
type Interceptor[Req, Res any] interface {
	Intercept(ctx context.Context, req Req, proceed Proceed[Req, Res]) (Res, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc[Req, Res any] func(ctx context.Context, req Req, proceed Proceed[Req, Res]) (Res, error)

// Intercept calls f.
func (f InterceptorFunc[Req, Res]) Intercept(ctx context.Context, req Req, proceed Proceed[Req, Res]) (Res, error) {
	return f(ctx, req, proceed)
}

// Chain is an immutable list of interceptors plus the terminal operation.
type Chain[Req, Res any] struct {
	interceptors []Interceptor[Req, Res]
	terminal     Proceed[Req, Res]
}

// New builds a chain. Interceptors run in the order given, the first one
// outermost, and terminal runs last.
func New[Req, Res any](terminal Proceed[Req, Res], interceptors ...Interceptor[Req, Res]) *Chain[Req, Res] {
	return &Chain[Req, Res]{
		interceptors: append([]Interceptor[Req, Res](nil), interceptors...),
		terminal:     terminal,
	}
}

// With returns a copy of the chain with more interceptors appended in front
// of the terminal.
func (c *Chain[Req, Res]) With(interceptors ...Interceptor[Req, Res]) *Chain[Req, Res] {
	all := make([]Interceptor[Req, Res], 0, len(c.interceptors)+len(interceptors))
	all = append(all, c.interceptors...)
	all = append(all, interceptors...)
	return &Chain[Req, Res]{interceptors: all, terminal: c.terminal}
}

// Len returns the number of interceptors.
func (c *Chain[Req, Res]) Len() int {
	return len(c.interceptors)
}

// Proceed runs req through the whole chain.
func (c *Chain[Req, Res]) Proceed(ctx context.Context, req Req) (Res, error) {
	return c.proceedAt(0)(ctx, req)
}

func (c *Chain[Req, Res]) proceedAt(index int) Proceed[Req, Res] {
	if index >= len(c.interceptors) {
		return c.terminal
	}
	interceptor := c.interceptors[index]
	return func(ctx context.Context, req Req) (Res, error) {
		if err := ctx.Err(); err != nil {
			var zero Res
			return zero, err
		}
		next := c.proceedAt(index + 1)
		var called atomic.Bool
		once := func(ctx context.Context, req Req) (Res, error) {
			if !called.CompareAndSwap(false, true) {
				var zero Res
				return zero, ErrProceedTwice
			}
			return next(ctx, req)
		}
		return interceptor.Intercept(ctx, req, once)
	}
}
