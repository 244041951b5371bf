package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/disintegration/imaging"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/chain"
	"Lumen/internal/core/decode"
	"Lumen/internal/core/request"
)

// metadataSuffix names the side entry holding a result's metadata.
const metadataSuffix = "_metadata"

type resultMetadata struct {
	Info        request.ImageInfo `json:"info"`
	Transformed []string          `json:"transformed,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

var _ chain.Interceptor[*request.Context, *decode.Result] = (*resultCacheInterceptor)(nil)

// resultCacheInterceptor serves and fills the processed image tier. Results
// are stored as PNG so reading one back is a plain decode with no resizing.
type resultCacheInterceptor struct {
	engine *Engine
}

func (i *resultCacheInterceptor) Intercept(ctx context.Context, rc *request.Context, proceed chain.Proceed[*request.Context, *decode.Result]) (*decode.Result, error) {
	e := i.engine
	policy := rc.Request.ResultCachePolicy()
	if e.results == nil || !policy.ReadOrWrite() {
		return proceed(ctx, rc)
	}

	unlock, err := e.resultLocks.Lock(ctx, rc.ResultKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if policy.ReadEnabled() {
		res, err := e.readResult(rc)
		if err != nil {
			e.logger.Warn("[PIPELINE] result cache read failed",
				"key", rc.ResultKey,
				"error", err,
			)
		} else if res != nil {
			return res, nil
		}
	}

	res, err := proceed(ctx, rc)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() && worthCaching(res) {
		if err := e.writeResult(rc, res); err != nil {
			e.logger.Warn("[PIPELINE] result cache write failed",
				"key", rc.ResultKey,
				"error", err,
			)
		}
	}
	return res, nil
}

// worthCaching reports whether res differs from what a plain decode of the
// source would give. Unchanged decodes are cheap to redo from the download
// cache.
func worthCaching(res *decode.Result) bool {
	return len(res.Transformed) > 0 ||
		res.Bitmap.Width() != res.Info.Width ||
		res.Bitmap.Height() != res.Info.Height
}

func (e *Engine) readResult(rc *request.Context) (*decode.Result, error) {
	raw, ok, err := e.results.ReadString(rc.ResultKey + metadataSuffix)
	if err != nil || !ok {
		return nil, err
	}
	var md resultMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("parse result metadata: %w", err)
	}

	snap, ok, err := e.results.Get(rc.ResultKey)
	if err != nil || !ok {
		return nil, err
	}
	defer snap.Close()

	img, err := imaging.Decode(snap.NewReader())
	if err != nil {
		if _, rmErr := e.results.Remove(rc.ResultKey); rmErr != nil {
			e.logger.Warn("[PIPELINE] failed to drop unreadable result",
				"key", rc.ResultKey,
				"error", rmErr,
			)
		}
		return nil, fmt.Errorf("decode cached result: %w", err)
	}

	pool := e.pool
	if rc.Request.DisallowReuseBitmap() {
		pool = nil
	}
	return &decode.Result{
		Bitmap:      bitmap.FromImage(img, rc.Request.Format(), pool),
		Info:        md.Info,
		DataFrom:    request.FromResultCache,
		Transformed: md.Transformed,
		Extras:      md.Extras,
	}, nil
}

func (e *Engine) writeResult(rc *request.Context, res *decode.Result) error {
	editor, err := e.results.Edit(rc.ResultKey)
	if err != nil {
		return err
	}
	// Abort is a no-op once committed.
	defer editor.Abort()

	if err := imaging.Encode(editor, res.Bitmap.Image(), imaging.PNG); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := editor.Commit(); err != nil {
		return err
	}

	data, err := json.Marshal(resultMetadata{
		Info:        res.Info,
		Transformed: res.Transformed,
		Extras:      res.Extras,
	})
	if err != nil {
		return err
	}
	return e.results.WriteString(rc.ResultKey+metadataSuffix, string(data))
}
