// Package imageproxy provides HTTP handlers for the image proxy service.
// It serves preset-sized images of remote sources and AT Protocol blobs.
package imageproxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"Lumen/internal/core/decode"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/imageproxy"
	"Lumen/internal/core/pipeline"
	"Lumen/internal/core/request"
)

// Service defines the interface for the image proxy service.
// *imageproxy.ImageProxyService implements it.
type Service interface {
	GetImage(ctx context.Context, q imageproxy.Query) (*imageproxy.Image, error)
	ETag(q imageproxy.Query) (string, error)
}

// Handler handles HTTP requests for the image proxy.
type Handler struct {
	service Service
	maxAge  time.Duration
}

// NewHandler creates a new image proxy handler.
func NewHandler(service Service, cfg imageproxy.Config) *Handler {
	return &Handler{
		service: service,
		maxAge:  cfg.CacheMaxAge,
	}
}

// HandleImage handles GET /img/{preset}?uri={uri}&t={transformations}
func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	preset := chi.URLParam(r, "preset")
	uri := r.URL.Query().Get("uri")
	if preset == "" || uri == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing required parameters")
		return
	}
	h.serve(w, r, imageproxy.Query{
		Preset:          preset,
		URI:             uri,
		Transformations: r.URL.Query().Get("t"),
	}, false)
}

// HandleBlob handles GET /img/{preset}/plain/{did}/{cid}
// Blobs are content addressed, so their responses are marked immutable.
func (h *Handler) HandleBlob(w http.ResponseWriter, r *http.Request) {
	preset := chi.URLParam(r, "preset")
	did := chi.URLParam(r, "did")
	cid := chi.URLParam(r, "cid")

	if preset == "" || did == "" || cid == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing required parameters")
		return
	}
	if err := imageproxy.ValidateDID(did); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid DID format")
		return
	}
	if err := imageproxy.ValidateCID(cid); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid CID format")
		return
	}

	h.serve(w, r, imageproxy.Query{
		Preset:          preset,
		URI:             fetch.BlobURI(did, cid),
		Transformations: r.URL.Query().Get("t"),
	}, true)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, q imageproxy.Query, immutable bool) {
	etag, err := h.service.ETag(q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	img, err := h.service.GetImage(r.Context(), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	cacheControl := "public, max-age=" + strconv.Itoa(int(h.maxAge.Seconds()))
	if immutable {
		cacheControl += ", immutable"
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("ETag", img.ETag)
	w.Header().Set("X-Image-Source", img.From.String())

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		slog.Warn("[IMAGE-PROXY] failed to write image response",
			"preset", q.Preset,
			"uri", q.URI,
			"error", err,
		)
	}
}

// etagMatches reports whether an If-None-Match header lists etag or "*".
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// handleServiceError converts service errors to appropriate HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away, nobody reads the response.
		slog.Debug("[IMAGE-PROXY] request cancelled by client", "path", r.URL.Path)
		return
	case errors.Is(err, imageproxy.ErrInvalidPreset):
		writeErrorResponse(w, http.StatusBadRequest, "invalid preset")
	case errors.Is(err, imageproxy.ErrInvalidDID):
		writeErrorResponse(w, http.StatusBadRequest, "invalid DID format")
	case errors.Is(err, imageproxy.ErrInvalidCID):
		writeErrorResponse(w, http.StatusBadRequest, "invalid CID format")
	case errors.Is(err, imageproxy.ErrInvalidURI), errors.Is(err, fetch.ErrInvalidURI), errors.Is(err, fetch.ErrUnsupportedScheme):
		writeErrorResponse(w, http.StatusBadRequest, "invalid source URI")
	case errors.Is(err, imageproxy.ErrInvalidTransform):
		writeErrorResponse(w, http.StatusBadRequest, "invalid transformation")
	case fetch.IsNotFound(err):
		writeErrorResponse(w, http.StatusNotFound, "image not found")
	case errors.Is(err, fetch.ErrTooLarge):
		writeErrorResponse(w, http.StatusBadRequest, "image too large")
	case errors.Is(err, fetch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, fetch.ErrCircuitOpen):
		writeErrorResponse(w, http.StatusServiceUnavailable, "source temporarily unavailable")
	case errors.Is(err, fetch.ErrFetchFailed):
		writeErrorResponse(w, http.StatusBadGateway, "failed to fetch image")
	case errors.Is(err, decode.ErrUnsupportedFormat):
		writeErrorResponse(w, http.StatusBadRequest, "unsupported image format")
	case errors.Is(err, decode.ErrDecodeFailed), errors.Is(err, imageproxy.ErrEncodeFailed):
		writeErrorResponse(w, http.StatusInternalServerError, "image processing failed")
	case errors.Is(err, request.ErrDepthExceeded), errors.Is(err, pipeline.ErrEngineClosed):
		writeErrorResponse(w, http.StatusServiceUnavailable, "image temporarily unavailable")
	default:
		slog.Error("[IMAGE-PROXY] unhandled service error",
			"error", err,
		)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeErrorResponse writes a plain text error response.
// The image proxy uses simple text responses rather than JSON
// since the expected response is binary image data.
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(message)); err != nil {
		slog.Warn("[IMAGE-PROXY] failed to write error response",
			"status", status,
			"message", message,
			"error", err,
		)
	}
}
