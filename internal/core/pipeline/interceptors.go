package pipeline

import (
	"context"

	"Lumen/internal/core/chain"
	"Lumen/internal/core/memorycache"
	"Lumen/internal/core/request"
)

var (
	_ chain.Interceptor[*request.Context, *Output] = (*busyInterceptor)(nil)
	_ chain.Interceptor[*request.Context, *Output] = (*saveDataInterceptor)(nil)
	_ chain.Interceptor[*request.Context, *Output] = (*memoryCacheInterceptor)(nil)
)

// busyInterceptor limits opted-in requests to the memory cache while the
// engine is busy, e.g. during a burst of scrolling in a client.
type busyInterceptor struct {
	engine *Engine
}

func (i *busyInterceptor) Intercept(ctx context.Context, rc *request.Context, proceed chain.Proceed[*request.Context, *Output]) (*Output, error) {
	req := rc.Request
	if i.engine.busy.Load() && req.Parameters().Bool(ParamPauseWhenBusy) && req.Depth() < request.DepthMemory {
		limited, err := rc.WithRequest(req.NewBuilder().Depth(request.DepthMemory, "pauseWhenBusy").Build())
		if err != nil {
			return nil, err
		}
		rc = limited
	}
	return proceed(ctx, rc)
}

// saveDataInterceptor keeps opted-in requests off a metered network.
type saveDataInterceptor struct {
	engine *Engine
}

func (i *saveDataInterceptor) Intercept(ctx context.Context, rc *request.Context, proceed chain.Proceed[*request.Context, *Output]) (*Output, error) {
	req := rc.Request
	if i.engine.metered.Load() && req.Parameters().Bool(ParamSaveData) && req.Depth() < request.DepthLocal {
		limited, err := rc.WithRequest(req.NewBuilder().Depth(request.DepthLocal, "saveData").Build())
		if err != nil {
			return nil, err
		}
		rc = limited
	}
	return proceed(ctx, rc)
}

// memoryCacheInterceptor serves and fills the memory tier. While the tier is
// in use the result key stays locked, so concurrent requests for the same
// output decode once and the rest are served from memory.
type memoryCacheInterceptor struct {
	engine *Engine
}

func (i *memoryCacheInterceptor) Intercept(ctx context.Context, rc *request.Context, proceed chain.Proceed[*request.Context, *Output]) (*Output, error) {
	e := i.engine
	policy := rc.Request.MemoryCachePolicy()
	if e.memory == nil || !policy.ReadOrWrite() {
		return proceed(ctx, rc)
	}

	unlock, err := e.memoryLocks.Lock(ctx, rc.ResultKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if policy.ReadEnabled() {
		if entry, ok := e.memory.Get(rc.ResultKey); ok {
			return &Output{
				Bitmap:      entry.Bitmap,
				Info:        entry.Info,
				DataFrom:    request.FromMemoryCache,
				Transformed: entry.Transformed,
				Extras:      entry.Extras,
			}, nil
		}
	}

	out, err := proceed(ctx, rc)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() {
		stored := e.memory.Put(rc.ResultKey, &memorycache.Entry{
			Bitmap:      out.Bitmap,
			Info:        out.Info,
			Transformed: out.Transformed,
			Extras:      out.Extras,
		})
		if !stored {
			e.logger.Debug("[PIPELINE] result not kept in memory cache",
				"key", rc.ResultKey,
				"bytes", out.Bitmap.ByteCount(),
			)
		}
	}
	return out, nil
}
