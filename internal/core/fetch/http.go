package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"Lumen/internal/core/diskcache"
	"Lumen/internal/core/keylock"
	"Lumen/internal/core/request"
)

const (
	// DefaultMaxBodyBytes caps a single source download.
	DefaultMaxBodyBytes = 10 * 1024 * 1024

	// progressInterval throttles progress callbacks.
	progressInterval = 300 * time.Millisecond

	copyBufferSize = 32 * 1024

	// contentTypeSuffix names the side entry holding a download's MIME type.
	contentTypeSuffix = "_contentType"
)

// HTTPConfig wires the network fetcher.
type HTTPConfig struct {
	Stack HTTPStack
	// Cache is the download cache. Nil disables download caching.
	Cache *diskcache.Cache
	// Locks serializes fetchers of the same fetch key.
	Locks *keylock.Map
	// Network bounds concurrent transfers. Cache hits never take a slot.
	// Nil leaves transfers unbounded.
	Network      *semaphore.Weighted
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// HTTPFactory creates fetchers for http and https URIs.
type HTTPFactory struct {
	stack        HTTPStack
	cache        *diskcache.Cache
	locks        *keylock.Map
	network      *semaphore.Weighted
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHTTPFactory validates cfg and returns a factory.
func NewHTTPFactory(cfg HTTPConfig) (*HTTPFactory, error) {
	if cfg.Stack == nil {
		return nil, fmt.Errorf("%w: http stack", ErrNilDependency)
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFactory{
		stack:        cfg.Stack,
		cache:        cfg.Cache,
		locks:        locks,
		network:      cfg.Network,
		maxBodyBytes: maxBody,
		logger:       logger,
	}, nil
}

// Create accepts http and https URIs.
func (f *HTTPFactory) Create(rc *request.Context) (Fetcher, error) {
	uri := rc.Request.URI()
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, nil
	}
	return f.fetcherFor(rc, uri), nil
}

// fetcherFor fetches target while caching under the fetch key of rc.
// Other fetchers use it to delegate the transfer of a resolved URL.
func (f *HTTPFactory) fetcherFor(rc *request.Context, target string) *HTTPFetcher {
	return &HTTPFetcher{factory: f, rc: rc, target: target}
}

// HTTPFetcher downloads one request through the download cache.
type HTTPFetcher struct {
	factory *HTTPFactory
	rc      *request.Context
	target  string
}

// Fetch returns the cached download or retrieves it. While the download
// cache is in use the fetch key stays locked, so concurrent fetchers of the
// same key queue up and then find the committed entry.
func (h *HTTPFetcher) Fetch(ctx context.Context) (*Result, error) {
	req := h.rc.Request
	policy := req.DownloadCachePolicy()
	if h.factory.cache == nil {
		policy = request.CacheDisabled
	}

	if policy.ReadOrWrite() {
		unlock, err := h.factory.locks.Lock(ctx, h.rc.FetchKey)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if policy.ReadEnabled() {
			res, err := h.readCache()
			if err != nil {
				h.factory.logger.Warn("[FETCH] download cache read failed",
					"key", h.rc.FetchKey,
					"error", err,
				)
			} else if res != nil {
				return res, nil
			}
		}
	}

	if req.Depth() != request.DepthNetwork {
		return nil, &request.DepthError{URI: req.URI(), Depth: req.Depth(), From: req.DepthFrom()}
	}

	return h.download(ctx, policy.WriteEnabled())
}

// cachedOnly returns the cached download, or nil without touching the
// network.
func (h *HTTPFetcher) cachedOnly(ctx context.Context) (*Result, error) {
	if h.factory.cache == nil || !h.rc.Request.DownloadCachePolicy().ReadEnabled() {
		return nil, nil
	}
	unlock, err := h.factory.locks.Lock(ctx, h.rc.FetchKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	res, err := h.readCache()
	if err != nil {
		h.factory.logger.Warn("[FETCH] download cache read failed",
			"key", h.rc.FetchKey,
			"error", err,
		)
		return nil, nil
	}
	return res, nil
}

func (h *HTTPFetcher) readCache() (*Result, error) {
	cache := h.factory.cache
	snap, ok, err := cache.Get(h.rc.FetchKey)
	if err != nil || !ok {
		return nil, err
	}
	contentType, _, err := cache.ReadString(h.rc.FetchKey + contentTypeSuffix)
	if err != nil {
		h.factory.logger.Debug("[FETCH] content type side entry unreadable",
			"key", h.rc.FetchKey,
			"error", err,
		)
	}
	return &Result{
		Source:   NewSnapshotSource(snap, request.FromDownloadCache),
		MimeType: resolveMimeType(contentType, h.target),
		DataFrom: request.FromDownloadCache,
	}, nil
}

func (h *HTTPFetcher) download(ctx context.Context, writeCache bool) (*Result, error) {
	if sem := h.factory.network; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	req := h.rc.Request
	resp, err := h.factory.stack.GetResponse(ctx, h.target, req.Headers())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.Chunked || resp.ContentLength < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLength, h.target)
	}
	if resp.ContentLength == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBody, h.target)
	}
	if resp.ContentLength > h.factory.maxBodyBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds maximum %d bytes",
			ErrTooLarge, resp.ContentLength, h.factory.maxBodyBytes)
	}

	mimeType := resolveMimeType(resp.ContentType, h.target)
	cache := h.factory.cache

	if writeCache && resp.ContentLength > cache.MaxSize() {
		h.factory.logger.Debug("[FETCH] source larger than download cache, not caching",
			"key", h.rc.FetchKey,
			"content_length", resp.ContentLength,
		)
		writeCache = false
	}

	if !writeCache {
		var buf bytes.Buffer
		buf.Grow(int(resp.ContentLength))
		if err := h.copyBody(ctx, &buf, resp); err != nil {
			return nil, err
		}
		return &Result{
			Source:   NewBytesSource(buf.Bytes(), request.FromNetwork),
			MimeType: mimeType,
			DataFrom: request.FromNetwork,
		}, nil
	}

	editor, err := cache.Edit(h.rc.FetchKey)
	if err != nil {
		return nil, fmt.Errorf("%w: open cache editor: %w", ErrFetchFailed, err)
	}
	// Abort is a no-op once committed.
	defer editor.Abort()

	if err := h.copyBody(ctx, editor, resp); err != nil {
		return nil, err
	}
	if editor.Written() != resp.ContentLength {
		return nil, fmt.Errorf("%w: cached %d of %d bytes", ErrLengthMismatch, editor.Written(), resp.ContentLength)
	}
	if err := editor.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit download: %w", ErrFetchFailed, err)
	}
	if mimeType != "" {
		if err := cache.WriteString(h.rc.FetchKey+contentTypeSuffix, mimeType); err != nil {
			h.factory.logger.Warn("[FETCH] failed to store content type",
				"key", h.rc.FetchKey,
				"error", err,
			)
		}
	}

	snap, ok, err := cache.Get(h.rc.FetchKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen download: %w", ErrFetchFailed, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: download evicted before it could be read", ErrFetchFailed)
	}

	h.factory.logger.Debug("[FETCH] downloaded",
		"uri", req.URI(),
		"bytes", snap.Length(),
		"mime_type", mimeType,
	)
	return &Result{
		Source:   NewSnapshotSource(snap, request.FromNetwork),
		MimeType: mimeType,
		DataFrom: request.FromNetwork,
	}, nil
}

// copyBody copies exactly resp.ContentLength bytes into w, checking for
// cancellation before every read and reporting throttled progress.
func (h *HTTPFetcher) copyBody(ctx context.Context, w io.Writer, resp *Response) error {
	req := h.rc.Request
	total := resp.ContentLength
	var (
		completed    int64
		lastProgress time.Time
		buf          = make([]byte, copyBufferSize)
	)
	// One extra byte detects bodies longer than declared.
	body := io.LimitReader(resp.Body, total+1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write: %w", ErrFetchFailed, err)
			}
			completed += int64(n)
			if now := time.Now(); now.Sub(lastProgress) >= progressInterval {
				lastProgress = now
				request.ReportProgress(req, total, completed)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: read body: %v", ErrFetchFailed, readErr)
		}
	}
	if completed != total {
		return fmt.Errorf("%w: read %d of %d bytes", ErrLengthMismatch, completed, total)
	}
	request.ReportProgress(req, total, completed)
	return nil
}

func checkStatus(resp *Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		// AT Protocol PDS may return 400 with "Blob not found" for missing blobs
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if readErr == nil && isBlobNotFoundError(body) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: bad request (status 400)", ErrBadStatus)
	default:
		return fmt.Errorf("%w: status code %d", ErrBadStatus, resp.StatusCode)
	}
}

// pdsErrorResponse represents the error response structure from AT Protocol PDS
type pdsErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// isBlobNotFoundError checks if the error response indicates a blob was not found.
// AT Protocol PDS returns 400 with {"error":"InvalidRequest","message":"Blob not found"}
// for missing blobs instead of a proper 404.
func isBlobNotFoundError(body []byte) bool {
	var errResp pdsErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(errResp.Message), "blob not found")
}

// resolveMimeType trusts the server unless it sent nothing or text/plain,
// in which case the URL extension decides.
func resolveMimeType(contentType, uri string) string {
	mediaType := contentType
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = parsed
		}
	}
	if mediaType != "" && mediaType != "text/plain" {
		return mediaType
	}
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	if guessed := mime.TypeByExtension(strings.ToLower(path.Ext(p))); guessed != "" {
		if parsed, _, err := mime.ParseMediaType(guessed); err == nil {
			return parsed
		}
		return guessed
	}
	return mediaType
}

// IsNotFound reports whether err means the source does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
