package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/decode"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/request"
)

// ErrPanic wraps a panic recovered while executing a request.
var ErrPanic = errors.New("panic while executing request")

// Execute runs req to completion and returns exactly one of *Success,
// *Error or *Cancel. Listeners of req see OnStart followed by exactly one
// terminal callback. Execute never panics.
func (e *Engine) Execute(ctx context.Context, req *request.ImageRequest) Result {
	return e.execute(ctx, req, true)
}

// execute skips the closed check for jobs admitted before Close, which
// waits for them.
func (e *Engine) execute(ctx context.Context, req *request.ImageRequest, checkClosed bool) Result {
	if e.defaults != nil {
		req = req.NewBuilder().Merge(e.defaults).Build()
	}
	listeners := req.Listeners()
	e.notify(req, func() { listeners.OnStart(req) })

	start := time.Now()
	res := e.run(ctx, req, checkClosed)

	switch r := res.(type) {
	case *Success:
		e.metrics.Request("success")
		e.metrics.Served(r.DataFrom.String())
		e.logger.Debug("[PIPELINE] request succeeded",
			"uri", req.URI(),
			"from", r.DataFrom.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		e.notify(req, func() { listeners.OnSuccess(r.Request(), r.Info, r.DataFrom) })
	case *Error:
		e.metrics.Request("error")
		e.logger.Warn("[PIPELINE] request failed",
			"uri", req.URI(),
			"error", r.Err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		e.notify(req, func() { listeners.OnError(r.Request(), r.Err) })
	case *Cancel:
		e.metrics.Request("cancel")
		e.logger.Debug("[PIPELINE] request cancelled", "uri", req.URI())
		e.notify(req, func() { listeners.OnCancel(r.Request()) })
	}
	return res
}

func (e *Engine) run(ctx context.Context, req *request.ImageRequest, checkClosed bool) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("[PIPELINE] recovered from panic",
				"uri", req.URI(),
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = &Error{req: req, Err: fmt.Errorf("%w: %v", ErrPanic, p)}
		}
	}()

	if checkClosed {
		e.closeMu.RLock()
		closed := e.closed
		e.closeMu.RUnlock()
		if closed {
			return &Error{req: req, Err: ErrEngineClosed}
		}
	}

	rc, err := request.Resolve(ctx, req)
	if err != nil {
		return e.failure(ctx, req, err)
	}
	out, err := e.requests.Proceed(ctx, rc)
	if err != nil {
		return e.failure(ctx, rc.Request, err)
	}
	return &Success{req: rc.Request, Output: out}
}

// failure tells cancellation apart from errors: once ctx is done every
// error is reported as a cancel.
func (e *Engine) failure(ctx context.Context, req *request.ImageRequest, err error) Result {
	if ctx.Err() != nil {
		return &Cancel{req: req}
	}
	return &Error{req: req, Err: err}
}

// notify runs a listener callback, containing panics.
func (e *Engine) notify(req *request.ImageRequest, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("[PIPELINE] listener panicked",
				"uri", req.URI(),
				"panic", p,
			)
		}
	}()
	fn()
}

// requestTerminal ends the request chain: memory depth stops here, anything
// else is decoded and wrapped for sharing.
func (e *Engine) requestTerminal(ctx context.Context, rc *request.Context) (*Output, error) {
	req := rc.Request
	if req.Depth() >= request.DepthMemory {
		return nil, &request.DepthError{URI: req.URI(), Depth: req.Depth(), From: req.DepthFrom()}
	}
	res, err := e.decodes.Proceed(ctx, rc)
	if err != nil {
		return nil, err
	}
	return &Output{
		Bitmap:      bitmap.NewCountBitmap(res.Bitmap, e.pool, rc.ResultKey, !req.DisallowReuseBitmap()),
		Info:        res.Info,
		DataFrom:    res.DataFrom,
		Transformed: res.Transformed,
		Extras:      res.Extras,
	}, nil
}

// decodeTerminal fetches the source and decodes it on the decode pool.
func (e *Engine) decodeTerminal(ctx context.Context, rc *request.Context) (*decode.Result, error) {
	start := time.Now()
	fr, err := e.fetches.Proceed(ctx, rc)
	if err != nil {
		return nil, err
	}
	defer fr.Close()
	e.metrics.ObserveStage("fetch", start)
	e.metrics.FetchedBytes(fr.Source.Length())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.decode.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.decode.Release(1)

	start = time.Now()
	res, err := e.decoders.Decode(ctx, fr, rc)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveStage("decode", start)
	return res, nil
}

// fetchTerminal runs the fetcher registry. Network slots are taken by the
// HTTP fetcher around the transfer itself.
func (e *Engine) fetchTerminal(ctx context.Context, rc *request.Context) (*fetch.Result, error) {
	return e.fetchers.Fetch(ctx, rc)
}

// Prefetch runs only the fetch chain for req, filling the download cache
// without decoding. It reports where the bytes came from.
func (e *Engine) Prefetch(ctx context.Context, req *request.ImageRequest) (request.DataFrom, error) {
	if e.defaults != nil {
		req = req.NewBuilder().Merge(e.defaults).Build()
	}
	rc, err := request.Resolve(ctx, req)
	if err != nil {
		return 0, err
	}
	fr, err := e.fetches.Proceed(ctx, rc)
	if err != nil {
		return 0, err
	}
	from := fr.DataFrom
	if err := fr.Close(); err != nil {
		e.logger.Debug("[PIPELINE] closing prefetched source failed",
			"uri", req.URI(),
			"error", err,
		)
	}
	return from, nil
}

// Job is a request running in the background.
type Job struct {
	done   chan struct{}
	cancel context.CancelFunc
	result Result
}

// Done is closed once the result is available.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel cancels the request. The job still completes, with *Cancel unless
// it already finished.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job completes or ctx is done. Cancelling ctx does
// not cancel the job.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue starts req in the background. The job is cancelled when ctx is,
// or through Job.Cancel. Close waits for enqueued jobs.
func (e *Engine) Enqueue(ctx context.Context, req *request.ImageRequest) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{done: make(chan struct{}), cancel: cancel}

	e.closeMu.RLock()
	if e.closed {
		e.closeMu.RUnlock()
		cancel()
		j.result = &Error{req: req, Err: ErrEngineClosed}
		close(j.done)
		return j
	}
	e.jobs.Add(1)
	e.closeMu.RUnlock()

	go func() {
		defer e.jobs.Done()
		defer cancel()
		j.result = e.execute(ctx, req, false)
		close(j.done)
	}()
	return j
}
