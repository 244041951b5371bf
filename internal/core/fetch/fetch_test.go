package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"Lumen/internal/core/chain"
	"Lumen/internal/core/diskcache"
	"Lumen/internal/core/keylock"
	"Lumen/internal/core/request"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\nfake image payload")

// fakeStack is a hand-written HTTPStack mock.
type fakeStack struct {
	calls atomic.Int32
	fn    func(ctx context.Context, uri string, headers map[string]string) (*Response, error)
}

func (s *fakeStack) GetResponse(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
	s.calls.Add(1)
	return s.fn(ctx, uri, headers)
}

func okResponse(body []byte, contentType string) *Response {
	return &Response{
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(body)),
		ContentType:   contentType,
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}

func newDownloadCache(t *testing.T, maxSize int64) *diskcache.Cache {
	t.Helper()
	c, err := diskcache.Open(memfs.New(), diskcache.Options{MaxSize: maxSize, Version: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newFactory(t *testing.T, stack HTTPStack, cache *diskcache.Cache) *HTTPFactory {
	t.Helper()
	f, err := NewHTTPFactory(HTTPConfig{Stack: stack, Cache: cache, Locks: keylock.New()})
	require.NoError(t, err)
	return f
}

func newContext(t *testing.T, b *request.Builder) *request.Context {
	t.Helper()
	rc, err := request.NewContext(b.Build())
	require.NoError(t, err)
	return rc
}

func fetchAll(t *testing.T, r *Result) []byte {
	t.Helper()
	rd, err := r.Source.Open()
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	return data
}

func TestHTTPFetcher_SingleFlight(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(pngMagic)))
		_, _ = w.Write(pngMagic)
	}))
	defer server.Close()

	cache := newDownloadCache(t, 1<<20)
	registry := NewRegistry(newFactory(t, NewDefaultHTTPStack(5*time.Second, ""), cache))

	var (
		mu   sync.Mutex
		from = map[request.DataFrom]int{}
	)
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			rc, err := request.NewContext(request.NewBuilder(server.URL + "/a.png").Build())
			if err != nil {
				return err
			}
			res, err := registry.Fetch(context.Background(), rc)
			if err != nil {
				return err
			}
			defer res.Close()
			rd, err := res.Source.Open()
			if err != nil {
				return err
			}
			data, err := io.ReadAll(rd)
			rd.Close()
			if err != nil {
				return err
			}
			if !bytes.Equal(data, pngMagic) {
				return errors.New("payload mismatch")
			}
			mu.Lock()
			from[res.DataFrom]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, from[request.FromNetwork])
	assert.Equal(t, 99, from[request.FromDownloadCache])
}

func TestHTTPFetcher_CachedContentType(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		return okResponse(pngMagic, "image/png; charset=binary"), nil
	}}
	f := newFactory(t, stack, newDownloadCache(t, 1<<20))
	b := request.NewBuilder("https://cdn.example.com/img")

	first, err := f.fetcherFor(newContext(t, b), "https://cdn.example.com/img").Fetch(context.Background())
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, request.FromNetwork, first.DataFrom)
	assert.Equal(t, "image/png", first.MimeType)

	second, err := f.fetcherFor(newContext(t, b), "https://cdn.example.com/img").Fetch(context.Background())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, request.FromDownloadCache, second.DataFrom)
	assert.Equal(t, "image/png", second.MimeType)
	assert.Equal(t, pngMagic, fetchAll(t, second))
	assert.Equal(t, int32(1), stack.calls.Load())
}

func TestHTTPFetcher_RejectsUnknownLength(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		r := okResponse(pngMagic, "image/png")
		r.ContentLength = -1
		r.Chunked = true
		return r, nil
	}}
	cache := newDownloadCache(t, 1<<20)
	rc := newContext(t, request.NewBuilder("https://example.com/a.png"))

	_, err := newFactory(t, stack, cache).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnknownLength)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, cache.Exist(rc.FetchKey))
}

func TestHTTPFetcher_LengthMismatchAborts(t *testing.T) {
	for _, declared := range []int64{int64(len(pngMagic)) + 5, int64(len(pngMagic)) - 5} {
		stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
			r := okResponse(pngMagic, "image/png")
			r.ContentLength = declared
			return r, nil
		}}
		cache := newDownloadCache(t, 1<<20)
		rc := newContext(t, request.NewBuilder("https://example.com/a.png"))

		_, err := newFactory(t, stack, cache).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
		assert.ErrorIs(t, err, ErrLengthMismatch)
		assert.False(t, cache.Exist(rc.FetchKey))
		assert.Equal(t, int64(0), cache.Size())
	}
}

// cancellingReader cancels the request after handing out its first chunk.
type cancellingReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 1 {
		r.cancel()
		return copy(p, "partial"), nil
	}
	return copy(p, "more"), nil
}

func TestHTTPFetcher_CancelMidCopyAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		return &Response{
			StatusCode:    http.StatusOK,
			ContentLength: 1000,
			ContentType:   "image/png",
			Body:          io.NopCloser(&cancellingReader{cancel: cancel}),
		}, nil
	}}
	cache := newDownloadCache(t, 1<<20)
	rc := newContext(t, request.NewBuilder("https://example.com/a.png"))

	_, err := newFactory(t, stack, cache).fetcherFor(rc, rc.Request.URI()).Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, cache.Exist(rc.FetchKey))
	assert.Equal(t, int64(0), cache.Size())

	// the editor was aborted, so a new one can start
	e, err := cache.Edit(rc.FetchKey)
	require.NoError(t, err)
	require.NoError(t, e.Abort())
}

func TestHTTPFetcher_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"404", http.StatusNotFound, "", ErrNotFound},
		{"400 blob not found", http.StatusBadRequest, `{"error":"InvalidRequest","message":"Blob not found"}`, ErrNotFound},
		{"400 other", http.StatusBadRequest, `{"error":"InvalidRequest","message":"bad cid"}`, ErrBadStatus},
		{"500", http.StatusInternalServerError, "", ErrBadStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
				return &Response{
					StatusCode:    tt.status,
					ContentLength: int64(len(tt.body)),
					Body:          io.NopCloser(strings.NewReader(tt.body)),
				}, nil
			}}
			rc := newContext(t, request.NewBuilder("https://example.com/a.png"))
			_, err := newFactory(t, stack, nil).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPFetcher_TooLarge(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		r := okResponse(pngMagic, "image/png")
		r.ContentLength = DefaultMaxBodyBytes + 1
		return r, nil
	}}
	rc := newContext(t, request.NewBuilder("https://example.com/a.png"))
	_, err := newFactory(t, stack, nil).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestHTTPFetcher_DepthLimitSkipsNetwork(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		t.Fatal("network must not be touched")
		return nil, nil
	}}
	rc := newContext(t, request.NewBuilder("https://example.com/a.png").Depth(request.DepthLocal, "saveData"))

	_, err := newFactory(t, stack, newDownloadCache(t, 1<<20)).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
	var de *request.DepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "saveData", de.From)
}

func TestHTTPFetcher_DisabledCacheReadsIntoMemory(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		assert.Equal(t, "Bearer t", headers["Authorization"])
		return okResponse(pngMagic, "text/plain"), nil
	}}
	cache := newDownloadCache(t, 1<<20)
	rc := newContext(t, request.NewBuilder("https://example.com/a.png").
		Header("Authorization", "Bearer t").
		DownloadCachePolicy(request.CacheDisabled))

	res, err := newFactory(t, stack, cache).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, request.FromNetwork, res.DataFrom)
	assert.Equal(t, "image/png", res.MimeType, "text/plain falls back to the URL extension")
	assert.IsType(t, &BytesSource{}, res.Source)
	assert.Equal(t, pngMagic, fetchAll(t, res))
	assert.False(t, cache.Exist(rc.FetchKey))
}

func TestHTTPFetcher_ReportsProgress(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		return okResponse(pngMagic, "image/png"), nil
	}}
	var (
		mu     sync.Mutex
		totals [][2]int64
	)
	rc := newContext(t, request.NewBuilder("https://example.com/a.png").
		ProgressListener(func(req *request.ImageRequest, total, completed int64) {
			mu.Lock()
			totals = append(totals, [2]int64{total, completed})
			mu.Unlock()
		}))

	res, err := newFactory(t, stack, nil).fetcherFor(rc, rc.Request.URI()).Fetch(context.Background())
	require.NoError(t, err)
	defer res.Close()

	require.NotEmpty(t, totals)
	last := totals[len(totals)-1]
	assert.Equal(t, [2]int64{int64(len(pngMagic)), int64(len(pngMagic))}, last)
}

func TestHTTPFetcher_RejectsEmptyBody(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		return okResponse(nil, "image/png"), nil
	}}
	cache := newDownloadCache(t, 1<<20)
	r := NewRegistry(newFactory(t, stack, cache))

	_, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder("https://example.com/empty.png")))
	require.ErrorIs(t, err, ErrEmptyBody)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, cache.Exist("https://example.com/empty.png"), "empty bodies are never cached")
}

func TestHTTPFetcher_NetworkSlotsOnlyForTransfers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		if strings.HasSuffix(uri, "slow.png") {
			close(started)
			<-release
		}
		return okResponse(pngMagic, "image/png"), nil
	}}
	cache := newDownloadCache(t, 1<<20)
	f, err := NewHTTPFactory(HTTPConfig{Stack: stack, Cache: cache, Network: semaphore.NewWeighted(1)})
	require.NoError(t, err)
	r := NewRegistry(f)

	res, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder("https://example.com/cached.png")))
	require.NoError(t, err)
	res.Close()

	slowRC := newContext(t, request.NewBuilder("https://example.com/slow.png"))
	slow := make(chan error, 1)
	go func() {
		res, err := r.Fetch(context.Background(), slowRC)
		if err == nil {
			res.Close()
		}
		slow <- err
	}()
	<-started

	// the only slot is taken, yet a cache hit still completes
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err = r.Fetch(ctx, newContext(t, request.NewBuilder("https://example.com/cached.png")))
	require.NoError(t, err)
	assert.Equal(t, request.FromDownloadCache, res.DataFrom)
	res.Close()

	// while another transfer has to wait for the slot
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = r.Fetch(short, newContext(t, request.NewBuilder("https://example.com/other.png")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-slow)
}

func TestRegistry_UnsupportedScheme(t *testing.T) {
	r := NewRegistry(DataURIFactory{})
	_, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder("ftp://example.com/a.png")))
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDataURIFactory(t *testing.T) {
	r := NewRegistry(DataURIFactory{})

	res, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder("data:image/png;base64,aGVsbG8=")))
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, request.FromMemory, res.DataFrom)
	assert.Equal(t, []byte("hello"), fetchAll(t, res))

	_, err = r.Fetch(context.Background(), newContext(t, request.NewBuilder("data:image/png;base64")))
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestFileFactory(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/images/cat.jpg", []byte("jpeg bytes"), 0o644))
	r := NewRegistry(NewFileFactory(fs))

	res, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder("file:///images/cat.jpg")))
	require.NoError(t, err)
	assert.Equal(t, request.FromLocal, res.DataFrom)
	assert.Equal(t, "image/jpeg", res.MimeType)
	assert.Equal(t, int64(10), res.Source.Length())
	assert.Equal(t, []byte("jpeg bytes"), fetchAll(t, res))

	_, err = r.Fetch(context.Background(), newContext(t, request.NewBuilder("/images/missing.jpg")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Fetch(context.Background(), newContext(t,
		request.NewBuilder("/images/cat.jpg").Depth(request.DepthMemory, "")))
	assert.ErrorIs(t, err, request.ErrDepthExceeded)
}

// fakeResolver is a hand-written PDSResolver mock.
type fakeResolver struct {
	calls atomic.Int32
	fn    func(ctx context.Context, did syntax.DID) (string, error)
}

func (r *fakeResolver) ResolvePDS(ctx context.Context, did syntax.DID) (string, error) {
	r.calls.Add(1)
	return r.fn(ctx, did)
}

const (
	testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"
	testCID = "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"
)

func TestBlobFactory_FetchesFromResolvedPDS(t *testing.T) {
	var gotURI string
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		gotURI = uri
		return okResponse(pngMagic, "image/png"), nil
	}}
	resolver := &fakeResolver{fn: func(ctx context.Context, did syntax.DID) (string, error) {
		return "https://pds.example.com", nil
	}}
	cache := newDownloadCache(t, 1<<20)
	blobs, err := NewBlobFactory(resolver, newFactory(t, stack, cache))
	require.NoError(t, err)
	r := NewRegistry(blobs)

	uri := BlobURI(testDID, testCID)
	res, err := r.Fetch(context.Background(), newContext(t, request.NewBuilder(uri)))
	require.NoError(t, err)
	res.Close()

	assert.Equal(t, request.FromNetwork, res.DataFrom)
	assert.Equal(t, "https://pds.example.com/xrpc/com.atproto.sync.getBlob?cid="+testCID+"&did="+strings.ReplaceAll(testDID, ":", "%3A"), gotURI)

	// second fetch is served from cache without resolving the DID again
	res, err = r.Fetch(context.Background(), newContext(t, request.NewBuilder(uri)))
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, request.FromDownloadCache, res.DataFrom)
	assert.Equal(t, int32(1), resolver.calls.Load())
	assert.Equal(t, int32(1), stack.calls.Load())
}

// fakeDirectory overrides LookupDID; other Directory methods are unused.
type fakeDirectory struct {
	identity.Directory
	calls     atomic.Int32
	lookupDID func(ctx context.Context, did syntax.DID) (*identity.Identity, error)
}

func (d *fakeDirectory) LookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	d.calls.Add(1)
	return d.lookupDID(ctx, did)
}

func TestDirectoryResolver_CallerCancelDoesNotFailWaiters(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	dir := &fakeDirectory{lookupDID: func(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
		return &identity.Identity{
			DID: did,
			Services: map[string]identity.ServiceEndpoint{
				"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: "https://pds.example.com"},
			},
		}, nil
	}}
	resolver := NewDirectoryResolver(dir)
	did := syntax.DID(testDID)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := resolver.ResolvePDS(firstCtx, did)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		pds string
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		pds, err := resolver.ResolvePDS(context.Background(), did)
		second <- outcome{pds, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "https://pds.example.com", got.pds)
	assert.Equal(t, int32(1), dir.calls.Load(), "waiters share the lookup")
}

func TestBlobFactory_RejectsInvalidURI(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, did syntax.DID) (string, error) { return "", nil }}
	blobs, err := NewBlobFactory(resolver, newFactory(t, &fakeStack{}, nil))
	require.NoError(t, err)

	for _, uri := range []string{
		"atblob://not-a-did/" + testCID,
		"atblob://" + testDID + "/not-a-cid",
		"atblob://" + testDID,
	} {
		_, err := blobs.Create(newContext(t, request.NewBuilder(uri)))
		assert.ErrorIs(t, err, ErrInvalidURI, uri)
	}
}

func TestCircuitBreaker_OpensAndServesCache(t *testing.T) {
	failing := atomic.Bool{}
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		if failing.Load() {
			return &Response{StatusCode: http.StatusBadGateway, ContentLength: 0, Body: io.NopCloser(strings.NewReader(""))}, nil
		}
		return okResponse(pngMagic, "image/png"), nil
	}}
	cache := newDownloadCache(t, 1<<20)
	registry := NewRegistry(newFactory(t, stack, cache))
	cb := NewCircuitBreaker(2, time.Minute, nil)
	fetchChain := chain.New[*request.Context, *Result](registry.Fetch, cb)

	// warm the cache for one image
	cached := newContext(t, request.NewBuilder("https://flaky.example.com/cached.png"))
	res, err := fetchChain.Proceed(context.Background(), cached)
	require.NoError(t, err)
	res.Close()

	failing.Store(true)
	for i := 0; i < 2; i++ {
		_, err := fetchChain.Proceed(context.Background(), newContext(t, request.NewBuilder("https://flaky.example.com/x.png")))
		require.ErrorIs(t, err, ErrBadStatus)
	}
	calls := stack.calls.Load()

	_, err = fetchChain.Proceed(context.Background(), newContext(t, request.NewBuilder("https://flaky.example.com/y.png")))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, stack.calls.Load(), "open circuit must not hit the network")

	res, err = fetchChain.Proceed(context.Background(), cached)
	require.NoError(t, err, "cached downloads are still served")
	defer res.Close()
	assert.Equal(t, request.FromDownloadCache, res.DataFrom)

	// after the open period a trial request is allowed again
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	failing.Store(false)
	res2, err := fetchChain.Proceed(context.Background(), newContext(t, request.NewBuilder("https://flaky.example.com/z.png")))
	require.NoError(t, err)
	res2.Close()
	assert.NoError(t, cb.canAttempt("flaky.example.com"))
}

func TestCircuitBreaker_TracksBlobURIsByDID(t *testing.T) {
	stack := &fakeStack{fn: func(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
		return &Response{StatusCode: http.StatusBadGateway, ContentLength: 0, Body: io.NopCloser(strings.NewReader(""))}, nil
	}}
	resolver := &fakeResolver{fn: func(ctx context.Context, did syntax.DID) (string, error) {
		return "https://pds.example.com", nil
	}}
	blobs, err := NewBlobFactory(resolver, newFactory(t, stack, newDownloadCache(t, 1<<20)))
	require.NoError(t, err)
	cb := NewCircuitBreaker(2, time.Minute, nil)
	fetchChain := chain.New[*request.Context, *Result](NewRegistry(blobs).Fetch, cb)

	uri := BlobURI(testDID, testCID)
	for i := 0; i < 2; i++ {
		_, err := fetchChain.Proceed(context.Background(), newContext(t, request.NewBuilder(uri)))
		require.ErrorIs(t, err, ErrBadStatus)
	}
	calls := stack.calls.Load()

	_, err = fetchChain.Proceed(context.Background(), newContext(t, request.NewBuilder(uri)))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, stack.calls.Load())

	assert.Equal(t, testDID, breakerKey(uri))
	assert.Equal(t, "cdn.example.com", breakerKey("https://cdn.example.com/a.png"))
	assert.Empty(t, breakerKey("data:image/png;base64,AAAA"))
}

func TestResolveMimeType(t *testing.T) {
	assert.Equal(t, "image/webp", resolveMimeType("image/webp", "https://x/a.png"))
	assert.Equal(t, "image/png", resolveMimeType("text/plain; charset=utf-8", "https://x/a.png?v=1"))
	assert.Equal(t, "image/jpeg", resolveMimeType("", "https://x/a.JPG"))
	assert.Equal(t, "", resolveMimeType("", "https://x/a"))
}

func TestRateLimitedStack_PerHostBuckets(t *testing.T) {
	next := &fakeStack{fn: func(context.Context, string, map[string]string) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, ContentLength: 0, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}}
	s := NewRateLimitedStack(next, 0.001, 1)

	_, err := s.GetResponse(context.Background(), "https://a.test/1.png", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.GetResponse(ctx, "https://a.test/2.png", nil)
	require.Error(t, err, "host a has no tokens left")

	_, err = s.GetResponse(context.Background(), "https://b.test/1.png", nil)
	require.NoError(t, err, "host b has its own bucket")
	assert.EqualValues(t, 2, next.calls.Load())

	_, err = s.GetResponse(context.Background(), "://bad", nil)
	assert.ErrorIs(t, err, ErrInvalidURI)
}
