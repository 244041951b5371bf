// Package fetch retrieves the raw bytes behind an image request.
//
// A Registry holds an ordered list of factories; the first factory that
// accepts a request creates the Fetcher for it. Network fetchers share the
// download cache and serialize work per fetch key, so concurrent requests
// for the same bytes perform a single retrieval.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"

	"Lumen/internal/core/diskcache"
	"Lumen/internal/core/request"
)

// DataSource is a re-readable byte source. Decoders may open it more than
// once, e.g. once for the header and once for the pixels.
type DataSource interface {
	From() request.DataFrom
	Length() int64
	Open() (io.ReadSeekCloser, error)
	Close() error
}

// Result is the outcome of a fetch. The consumer owns it and must Close it.
type Result struct {
	Source   DataSource
	MimeType string
	DataFrom request.DataFrom
}

// Close releases the underlying source.
func (r *Result) Close() error {
	if r == nil || r.Source == nil {
		return nil
	}
	return r.Source.Close()
}

// Fetcher retrieves data for one request.
type Fetcher interface {
	Fetch(ctx context.Context) (*Result, error)
}

// Factory creates a Fetcher for requests it understands and returns nil
// for everything else.
type Factory interface {
	Create(rc *request.Context) (Fetcher, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(rc *request.Context) (Fetcher, error)

func (f FactoryFunc) Create(rc *request.Context) (Fetcher, error) {
	return f(rc)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (*Result, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*Result, error) {
	return f(ctx)
}

// Registry picks the first factory that accepts a request.
type Registry struct {
	factories []Factory
}

// NewRegistry creates a registry that consults factories in order.
func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

// Add appends factories with the lowest priority.
func (r *Registry) Add(factories ...Factory) {
	r.factories = append(r.factories, factories...)
}

// Create returns the fetcher of the first accepting factory.
func (r *Registry) Create(rc *request.Context) (Fetcher, error) {
	for _, f := range r.factories {
		fetcher, err := f.Create(rc)
		if err != nil {
			return nil, err
		}
		if fetcher != nil {
			return fetcher, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, rc.Request.URI())
}

// Fetch creates a fetcher for rc and runs it.
func (r *Registry) Fetch(ctx context.Context, rc *request.Context) (*Result, error) {
	f, err := r.Create(rc)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx)
}

// BytesSource serves an in-memory buffer.
type BytesSource struct {
	data []byte
	from request.DataFrom
}

// NewBytesSource wraps data tagged with its origin.
func NewBytesSource(data []byte, from request.DataFrom) *BytesSource {
	return &BytesSource{data: data, from: from}
}

func (s *BytesSource) From() request.DataFrom { return s.from }
func (s *BytesSource) Length() int64          { return int64(len(s.data)) }
func (s *BytesSource) Close() error           { return nil }

func (s *BytesSource) Open() (io.ReadSeekCloser, error) {
	return nopSeekCloser{bytes.NewReader(s.data)}, nil
}

// Bytes returns the underlying buffer.
func (s *BytesSource) Bytes() []byte { return s.data }

// SnapshotSource serves a download cache snapshot. The snapshot stays
// readable even if the entry is evicted while the source is open.
type SnapshotSource struct {
	snap *diskcache.Snapshot
	from request.DataFrom
}

// NewSnapshotSource takes ownership of snap.
func NewSnapshotSource(snap *diskcache.Snapshot, from request.DataFrom) *SnapshotSource {
	return &SnapshotSource{snap: snap, from: from}
}

func (s *SnapshotSource) From() request.DataFrom { return s.from }
func (s *SnapshotSource) Length() int64          { return s.snap.Length() }
func (s *SnapshotSource) Close() error           { return s.snap.Close() }

func (s *SnapshotSource) Open() (io.ReadSeekCloser, error) {
	return nopSeekCloser{s.snap.NewReader()}, nil
}

// FileSource serves a file from a billy filesystem, opened on demand.
type FileSource struct {
	fs     billy.Filesystem
	path   string
	length int64
}

// NewFileSource stats path and returns a source for it.
func NewFileSource(fs billy.Filesystem, path string) (*FileSource, error) {
	info, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: stat %s: %w", ErrFetchFailed, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFetchFailed, path)
	}
	return &FileSource{fs: fs, path: path, length: info.Size()}, nil
}

func (s *FileSource) From() request.DataFrom { return request.FromLocal }
func (s *FileSource) Length() int64          { return s.length }
func (s *FileSource) Close() error           { return nil }

func (s *FileSource) Open() (io.ReadSeekCloser, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrFetchFailed, s.path, err)
	}
	return f, nil
}

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }
