package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Lumen/internal/core/request"
)

type fakePrefetcher struct {
	mu   sync.Mutex
	seen []*request.ImageRequest
	fn   func(uri string) (request.DataFrom, error)
}

func (f *fakePrefetcher) Prefetch(_ context.Context, req *request.ImageRequest) (request.DataFrom, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	return f.fn(req.URI())
}

func TestReadURIs(t *testing.T) {
	uris, err := readURIs(strings.NewReader("# header\nhttps://a.test/1.png\n\n  https://a.test/2.png  \n#skip\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/1.png", "https://a.test/2.png"}, uris)
}

func TestWarm(t *testing.T) {
	p := &fakePrefetcher{fn: func(uri string) (request.DataFrom, error) {
		switch {
		case strings.HasSuffix(uri, "bad"):
			return 0, errors.New("boom")
		case strings.HasSuffix(uri, "cached"):
			return request.FromDownloadCache, nil
		}
		return request.FromNetwork, nil
	}}

	s := warm(context.Background(), p, []string{"u/new", "u/cached", "u/bad", "u/new2"}, 2)

	assert.EqualValues(t, 2, s.network.Load())
	assert.EqualValues(t, 1, s.cached.Load())
	assert.EqualValues(t, 1, s.failed.Load())

	require.Len(t, p.seen, 4, "a failure does not stop the others")
	for _, req := range p.seen {
		assert.Equal(t, request.DepthNetwork, req.Depth())
		assert.Equal(t, request.CacheDisabled, req.MemoryCachePolicy())
		assert.Equal(t, request.CacheDisabled, req.ResultCachePolicy())
		assert.Equal(t, request.CacheEnabled, req.DownloadCachePolicy())
	}
}
