package imageproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Lumen/internal/core/decode"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/imageproxy"
	"Lumen/internal/core/request"
)

const (
	validTestDID = "did:plc:z72i7hdynmk6r22z27h6tvur"
	validTestCID = "bafyreihgdyzzpkkzq2izfnhcmm77ycuacvkuziwbnqxfxtqsz7tmxwhnshi"
)

// mockService implements Service for testing
type mockService struct {
	getImageFunc func(ctx context.Context, q imageproxy.Query) (*imageproxy.Image, error)
	etagFunc     func(q imageproxy.Query) (string, error)
	getCalls     []imageproxy.Query
}

func (m *mockService) GetImage(ctx context.Context, q imageproxy.Query) (*imageproxy.Image, error) {
	m.getCalls = append(m.getCalls, q)
	if m.getImageFunc != nil {
		return m.getImageFunc(ctx, q)
	}
	return nil, errors.New("not implemented")
}

func (m *mockService) ETag(q imageproxy.Query) (string, error) {
	if m.etagFunc != nil {
		return m.etagFunc(q)
	}
	return `"etag"`, nil
}

func newRouter(svc Service) http.Handler {
	h := NewHandler(svc, imageproxy.DefaultConfig())
	r := chi.NewRouter()
	r.Get("/img/{preset}", h.HandleImage)
	r.Get("/img/{preset}/plain/{did}/{cid}", h.HandleBlob)
	return r
}

func do(t *testing.T, handler http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func jpegImage() *imageproxy.Image {
	return &imageproxy.Image{
		Data:        []byte{0xFF, 0xD8, 0xFF, 0xE0},
		ContentType: "image/jpeg",
		ETag:        `"etag"`,
		From:        request.FromDownloadCache,
	}
}

func TestHandleBlob_Success(t *testing.T) {
	svc := &mockService{getImageFunc: func(context.Context, imageproxy.Query) (*imageproxy.Image, error) {
		return jpegImage(), nil
	}}

	rec := do(t, newRouter(svc), "/img/avatar/plain/"+validTestDID+"/"+validTestCID+"?t=gray", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"etag"`, rec.Header().Get("ETag"))
	assert.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "DOWNLOAD_CACHE", rec.Header().Get("X-Image-Source"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0}, rec.Body.Bytes())

	require.Len(t, svc.getCalls, 1)
	assert.Equal(t, imageproxy.Query{
		Preset:          "avatar",
		URI:             fetch.BlobURI(validTestDID, validTestCID),
		Transformations: "gray",
	}, svc.getCalls[0])
}

func TestHandleImage_Success(t *testing.T) {
	svc := &mockService{getImageFunc: func(context.Context, imageproxy.Query) (*imageproxy.Image, error) {
		return jpegImage(), nil
	}}

	rec := do(t, newRouter(svc), "/img/banner?uri=https%3A%2F%2Fexample.com%2Fa.png", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"), "remote URLs may change")
	require.Len(t, svc.getCalls, 1)
	assert.Equal(t, "https://example.com/a.png", svc.getCalls[0].URI)
}

func TestHandle_NotModified(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc)

	for _, header := range []string{`"etag"`, `W/"etag"`, `"other", "etag"`, `*`} {
		rec := do(t, router, "/img/avatar/plain/"+validTestDID+"/"+validTestCID,
			map[string]string{"If-None-Match": header})
		assert.Equal(t, http.StatusNotModified, rec.Code, header)
		assert.Empty(t, rec.Body.Bytes())
	}
	assert.Empty(t, svc.getCalls, "304 never loads the image")

	rec := do(t, router, "/img/avatar/plain/"+validTestDID+"/"+validTestCID,
		map[string]string{"If-None-Match": `"stale"`})
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "mock GetImage is not implemented")
}

func TestHandle_InvalidParameters(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc)

	tests := []struct {
		name string
		path string
	}{
		{"missing uri", "/img/avatar"},
		{"bad did", "/img/avatar/plain/not-a-did/" + validTestCID},
		{"bad cid", "/img/avatar/plain/" + validTestDID + "/not-a-cid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.path, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		})
	}
	assert.Empty(t, svc.getCalls)
}

func TestHandle_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{imageproxy.ErrInvalidPreset, http.StatusBadRequest},
		{imageproxy.ErrInvalidURI, http.StatusBadRequest},
		{imageproxy.ErrInvalidTransform, http.StatusBadRequest},
		{fetch.ErrUnsupportedScheme, http.StatusBadRequest},
		{fmt.Errorf("%w: https://x/a.png", fetch.ErrNotFound), http.StatusNotFound},
		{fetch.ErrTooLarge, http.StatusBadRequest},
		{fetch.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fetch.ErrCircuitOpen, http.StatusServiceUnavailable},
		{fetch.ErrBadStatus, http.StatusBadGateway},
		{fetch.ErrLengthMismatch, http.StatusBadGateway},
		{fetch.ErrEmptyBody, http.StatusBadGateway},
		{decode.ErrUnsupportedFormat, http.StatusBadRequest},
		{decode.ErrInvalidSize, http.StatusInternalServerError},
		{imageproxy.ErrEncodeFailed, http.StatusInternalServerError},
		{&request.DepthError{URI: "x", Depth: request.DepthLocal}, http.StatusServiceUnavailable},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &mockService{getImageFunc: func(context.Context, imageproxy.Query) (*imageproxy.Image, error) {
				return nil, tt.err
			}}
			rec := do(t, newRouter(svc), "/img/avatar/plain/"+validTestDID+"/"+validTestCID, nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandle_ETagError(t *testing.T) {
	svc := &mockService{etagFunc: func(imageproxy.Query) (string, error) {
		return "", imageproxy.ErrInvalidPreset
	}}
	rec := do(t, newRouter(svc), "/img/huge/plain/"+validTestDID+"/"+validTestCID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.getCalls)
}

func TestEtagMatches(t *testing.T) {
	assert.False(t, etagMatches("", `"a"`))
	assert.True(t, etagMatches(`"a"`, `"a"`))
	assert.True(t, etagMatches(` W/"a" `, `"a"`))
	assert.False(t, etagMatches(`"b"`, `"a"`))
}
