package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"Lumen/internal/core/request"
)

// FileFactory serves file:// URIs and absolute paths from a billy filesystem.
type FileFactory struct {
	fs billy.Filesystem
}

// NewFileFactory creates a factory reading from fs.
func NewFileFactory(fs billy.Filesystem) *FileFactory {
	return &FileFactory{fs: fs}
}

func (f *FileFactory) Create(rc *request.Context) (Fetcher, error) {
	uri := rc.Request.URI()
	var p string
	switch {
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		p = u.Path
	case strings.HasPrefix(uri, "/"):
		p = uri
	default:
		return nil, nil
	}
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		return f.fetch(ctx, rc, p)
	}), nil
}

func (f *FileFactory) fetch(ctx context.Context, rc *request.Context, p string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rc.Request.Depth() == request.DepthMemory {
		return nil, &request.DepthError{URI: rc.Request.URI(), Depth: rc.Request.Depth(), From: rc.Request.DepthFrom()}
	}
	src, err := NewFileSource(f.fs, p)
	if err != nil {
		return nil, err
	}
	return &Result{
		Source:   src,
		MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(p))),
		DataFrom: request.FromLocal,
	}, nil
}

// DataURIFactory serves RFC 2397 data: URIs. The payload is already in
// memory, so every depth may load it.
type DataURIFactory struct{}

func (DataURIFactory) Create(rc *request.Context) (Fetcher, error) {
	uri := rc.Request.URI()
	if !strings.HasPrefix(uri, "data:") {
		return nil, nil
	}
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mimeType, data, err := parseDataURI(uri)
		if err != nil {
			return nil, err
		}
		return &Result{
			Source:   NewBytesSource(data, request.FromMemory),
			MimeType: mimeType,
			DataFrom: request.FromMemory,
		}, nil
	}), nil
}

func parseDataURI(uri string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data uri without payload", ErrInvalidURI)
	}
	isBase64 := strings.HasSuffix(header, ";base64")
	mimeType := strings.TrimSuffix(header, ";base64")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}

	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return mimeType, []byte(decoded), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// tolerate unpadded payloads
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, fmt.Errorf("%w: bad base64 payload: %v", ErrInvalidURI, err)
		}
	}
	return mimeType, data, nil
}
