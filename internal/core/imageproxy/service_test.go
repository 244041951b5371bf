package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/pipeline"
	"Lumen/internal/core/request"
	"Lumen/internal/core/transform"
)

// mockExecutor implements Executor for testing.
type mockExecutor struct {
	executeFunc func(ctx context.Context, req *request.ImageRequest) pipeline.Result
	calls       []*request.ImageRequest
}

func (m *mockExecutor) Execute(ctx context.Context, req *request.ImageRequest) pipeline.Result {
	m.calls = append(m.calls, req)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, req)
	}
	return &pipeline.Error{Err: errors.New("not implemented")}
}

func successWith(w, h int, from request.DataFrom) (*pipeline.Success, *bitmap.CountBitmap) {
	b := bitmap.New(w, h, bitmap.NRGBA)
	img := b.Image()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 20, B: 20, A: 255})
		}
	}
	cb := bitmap.NewCountBitmap(b, nil, "key", false)
	return &pipeline.Success{Output: &pipeline.Output{
		Bitmap:   cb,
		Info:     request.ImageInfo{Width: w * 2, Height: h * 2, MimeType: "image/png", ExifOrientation: 1},
		DataFrom: from,
	}}, cb
}

func newTestService(t *testing.T, exec Executor) *ImageProxyService {
	t.Helper()
	svc, err := NewService(exec, NewEncoder(), nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_NilDependencies(t *testing.T) {
	_, err := NewService(nil, NewEncoder(), nil)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewService(&mockExecutor{}, nil, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestService_GetImage_EncodesJPEG(t *testing.T) {
	res, cb := successWith(64, 32, request.FromNetwork)
	exec := &mockExecutor{executeFunc: func(context.Context, *request.ImageRequest) pipeline.Result { return res }}
	svc := newTestService(t, exec)

	img, err := svc.GetImage(context.Background(), Query{Preset: "banner", URI: "https://example.com/a.png"})
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", img.ContentType)
	assert.Equal(t, request.FromNetwork, img.From)
	assert.Equal(t, 128, img.Source.Width)
	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), decoded.Bounds())
	assert.True(t, cb.IsRecycled(), "service releases its reference")

	require.Len(t, exec.calls, 1)
	rs, ok := exec.calls[0].Resize()
	require.True(t, ok)
	assert.Equal(t, 640, rs.Size.Width)
}

func TestService_GetImage_AlphaTransformsUsePNG(t *testing.T) {
	res, _ := successWith(16, 16, request.FromMemoryCache)
	exec := &mockExecutor{executeFunc: func(context.Context, *request.ImageRequest) pipeline.Result { return res }}
	svc := newTestService(t, exec)

	img, err := svc.GetImage(context.Background(), Query{
		Preset:          "avatar_small",
		URI:             "https://example.com/a.png",
		Transformations: "circle,gray",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	_, err = png.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)

	assert.Equal(t, []transform.Transformation{transform.CircleCrop{}, transform.Grayscale{}},
		exec.calls[0].Transformations())
}

func TestService_GetImage_Errors(t *testing.T) {
	engineErr := errors.New("boom")
	exec := &mockExecutor{executeFunc: func(context.Context, *request.ImageRequest) pipeline.Result {
		return &pipeline.Error{Err: engineErr}
	}}
	svc := newTestService(t, exec)
	ctx := context.Background()

	_, err := svc.GetImage(ctx, Query{Preset: "nope", URI: "https://example.com/a.png"})
	assert.ErrorIs(t, err, ErrInvalidPreset)

	_, err = svc.GetImage(ctx, Query{Preset: "avatar", URI: "file:///etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = svc.GetImage(ctx, Query{Preset: "avatar", URI: "https://example.com/a.png", Transformations: "explode"})
	assert.ErrorIs(t, err, ErrInvalidTransform)

	for _, tr := range []string{"blur:1e12", "blur:NaN", "round:1e9", "gray,gray,gray,gray,gray,gray,gray,gray,gray"} {
		_, err = svc.GetImage(ctx, Query{Preset: "avatar", URI: "https://example.com/a.png", Transformations: tr})
		assert.ErrorIs(t, err, ErrInvalidTransform, tr)
	}

	assert.Empty(t, exec.calls, "invalid queries never reach the engine")

	_, err = svc.GetImage(ctx, Query{Preset: "avatar", URI: "https://example.com/a.png"})
	assert.ErrorIs(t, err, engineErr)
}

func TestService_GetImage_Cancelled(t *testing.T) {
	exec := &mockExecutor{executeFunc: func(context.Context, *request.ImageRequest) pipeline.Result {
		return &pipeline.Cancel{}
	}}
	svc := newTestService(t, exec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.GetImage(ctx, Query{Preset: "avatar", URI: "https://example.com/a.png"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_ETag(t *testing.T) {
	svc := newTestService(t, &mockExecutor{})
	q := Query{Preset: "avatar", URI: "https://example.com/a.png"}

	a, err := svc.ETag(q)
	require.NoError(t, err)
	b, err := svc.ETag(q)
	require.NoError(t, err)
	assert.Equal(t, a, b, "stable")
	assert.Regexp(t, `^"[0-9a-f]{32}"$`, a)

	other, err := svc.ETag(Query{Preset: "avatar_small", URI: q.URI})
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	rotated, err := svc.ETag(Query{Preset: "avatar", URI: q.URI, Transformations: "rotate:90"})
	require.NoError(t, err)
	assert.NotEqual(t, a, rotated)

	_, err = svc.ETag(Query{Preset: "avatar", URI: "nope"})
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestEncoder_FlattensTransparencyForJPEG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	data, err := NewEncoder().Encode(src, FormatJPEG, 90)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))

	_, err = NewEncoder().Encode(image.NewNRGBA(image.Rect(0, 0, 0, 0)), FormatPNG, 90)
	assert.ErrorIs(t, err, ErrEncodeFailed)
}
