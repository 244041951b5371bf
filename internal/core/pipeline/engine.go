// Package pipeline runs image requests through the memory cache, the result
// cache, the fetch stage and the decode stage.
//
// An Engine is the explicit context that owns every shared resource: the
// bitmap pool, the three cache tiers, the keyed locks and the worker pools.
// Nothing in the pipeline is reachable through package level state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/chain"
	"Lumen/internal/core/decode"
	"Lumen/internal/core/diskcache"
	"Lumen/internal/core/fetch"
	"Lumen/internal/core/keylock"
	"Lumen/internal/core/memorycache"
	"Lumen/internal/core/metrics"
	"Lumen/internal/core/request"
)

// Request parameters understood by the built-in interceptors.
const (
	// ParamPauseWhenBusy limits the request to the memory cache while the
	// engine is marked busy.
	ParamPauseWhenBusy = "lumen.pauseWhenBusy"
	// ParamSaveData keeps the request off the network while the engine is
	// marked metered.
	ParamSaveData = "lumen.saveData"
)

const (
	downloadCacheDir = "download"
	resultCacheDir   = "result"
)

// ErrEngineClosed is returned for requests executed after Close.
var ErrEngineClosed = errors.New("engine is closed")

type (
	requestChain = chain.Chain[*request.Context, *Output]
	decodeChain  = chain.Chain[*request.Context, *decode.Result]
	fetchChain   = chain.Chain[*request.Context, *fetch.Result]
)

// Engine executes image requests. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	pool      *bitmap.Pool
	memory    *memorycache.Cache
	downloads *diskcache.Cache
	results   *diskcache.Cache

	// memoryLocks single-flights the request chain per result key,
	// resultLocks the result cache tier. They must stay separate because
	// the second is taken while the first is held.
	memoryLocks *keylock.Map
	resultLocks *keylock.Map
	fetchLocks  *keylock.Map

	fetchers *fetch.Registry
	decoders *decode.Registry
	breaker  *fetch.CircuitBreaker

	requests *requestChain
	decodes  *decodeChain
	fetches  *fetchChain

	network *semaphore.Weighted
	decode  *semaphore.Weighted

	defaults *request.ImageOptions
	metrics  *metrics.Metrics

	busy    atomic.Bool
	metered atomic.Bool

	stopCleanup []context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
	jobs    sync.WaitGroup
}

type options struct {
	logger     *slog.Logger
	cacheFS    billy.Filesystem
	localFS    billy.Filesystem
	stack      fetch.HTTPStack
	httpClient *http.Client
	resolver   fetch.PDSResolver
	registerer prometheus.Registerer
	defaults   *request.ImageOptions

	fetchFactories      []fetch.Factory
	decodeFactories     []decode.Factory
	requestInterceptors []chain.Interceptor[*request.Context, *Output]
	decodeInterceptors  []chain.Interceptor[*request.Context, *decode.Result]
	fetchInterceptors   []chain.Interceptor[*request.Context, *fetch.Result]
}

// Option customizes an Engine.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCacheFilesystem roots both disk caches at fs instead of Config.CacheDir.
func WithCacheFilesystem(fs billy.Filesystem) Option {
	return func(o *options) { o.cacheFS = fs }
}

// WithLocalFilesystem sets the filesystem file:// URIs are read from.
// The default is the host filesystem.
func WithLocalFilesystem(fs billy.Filesystem) Option {
	return func(o *options) { o.localFS = fs }
}

// WithHTTPStack replaces the network transport. Host rate limiting is
// still applied on top of it.
func WithHTTPStack(s fetch.HTTPStack) Option {
	return func(o *options) { o.stack = s }
}

// WithHTTPClient sets the client used for DID resolution.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPDSResolver replaces DID to PDS resolution for blob URIs.
func WithPDSResolver(r fetch.PDSResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMetrics registers pipeline metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDefaults sets options applied to every request that leaves them unset.
func WithDefaults(d *request.ImageOptions) Option {
	return func(o *options) { o.defaults = d }
}

// WithFetchFactory registers fetch factories ahead of the built-in ones.
func WithFetchFactory(f ...fetch.Factory) Option {
	return func(o *options) { o.fetchFactories = append(o.fetchFactories, f...) }
}

// WithDecodeFactory registers decode factories ahead of the built-in one.
func WithDecodeFactory(f ...decode.Factory) Option {
	return func(o *options) { o.decodeFactories = append(o.decodeFactories, f...) }
}

// WithRequestInterceptor appends interceptors after the built-in ones of
// the request chain, so they run inside the memory cache.
func WithRequestInterceptor(i ...chain.Interceptor[*request.Context, *Output]) Option {
	return func(o *options) { o.requestInterceptors = append(o.requestInterceptors, i...) }
}

// WithDecodeInterceptor appends interceptors inside the result cache.
func WithDecodeInterceptor(i ...chain.Interceptor[*request.Context, *decode.Result]) Option {
	return func(o *options) { o.decodeInterceptors = append(o.decodeInterceptors, i...) }
}

// WithFetchInterceptor appends interceptors inside the circuit breaker.
func WithFetchInterceptor(i ...chain.Interceptor[*request.Context, *fetch.Result]) Option {
	return func(o *options) { o.fetchInterceptors = append(o.fetchInterceptors, i...) }
}

// New validates cfg and builds an engine. Close releases its resources.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		pool:        bitmap.NewPool(int64(cfg.PoolMB)*mb, logger),
		memoryLocks: keylock.New(),
		resultLocks: keylock.New(),
		fetchLocks:  keylock.New(),
		network:     semaphore.NewWeighted(int64(cfg.NetworkParallelism)),
		decode:      semaphore.NewWeighted(int64(cfg.DecodeParallelism)),
		defaults:    o.defaults,
	}

	if cfg.MemoryCacheMB > 0 {
		memory, err := memorycache.New(int64(cfg.MemoryCacheMB)*mb, logger)
		if err != nil {
			return nil, err
		}
		e.memory = memory
	}

	if err := e.openDiskCaches(o.cacheFS); err != nil {
		e.Close()
		return nil, err
	}

	if err := e.buildFetchers(o); err != nil {
		e.Close()
		return nil, err
	}
	e.decoders = decode.NewRegistry(o.decodeFactories...)
	e.decoders.Add(decode.NewStandardFactory(e.pool, logger))

	e.breaker = fetch.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerOpenDuration, logger)

	if o.registerer != nil {
		e.metrics = metrics.New(o.registerer, metrics.Sizes{
			MemoryCache:   e.memorySize,
			DownloadCache: diskSize(e.downloads),
			ResultCache:   diskSize(e.results),
			Pool:          e.pool.Size,
		})
		e.breaker.OnTransition(e.metrics.CircuitTransition)
	}

	fetchLinks := []chain.Interceptor[*request.Context, *fetch.Result]{e.breaker}
	e.fetches = chain.New[*request.Context, *fetch.Result](e.fetchTerminal, append(fetchLinks, o.fetchInterceptors...)...)

	decodeLinks := []chain.Interceptor[*request.Context, *decode.Result]{&resultCacheInterceptor{engine: e}}
	e.decodes = chain.New[*request.Context, *decode.Result](e.decodeTerminal, append(decodeLinks, o.decodeInterceptors...)...)

	requestLinks := []chain.Interceptor[*request.Context, *Output]{
		&busyInterceptor{engine: e},
		&saveDataInterceptor{engine: e},
		&memoryCacheInterceptor{engine: e},
	}
	e.requests = chain.New[*request.Context, *Output](e.requestTerminal, append(requestLinks, o.requestInterceptors...)...)

	if cfg.CleanupInterval > 0 && cfg.CacheTTL > 0 {
		for _, c := range []*diskcache.Cache{e.downloads, e.results} {
			if c != nil {
				e.stopCleanup = append(e.stopCleanup, c.StartCleanupJob(cfg.CleanupInterval, cfg.CacheTTL))
			}
		}
	}

	logger.Info("[PIPELINE] engine ready",
		"cache_dir", cfg.CacheDir,
		"memory_cache_mb", cfg.MemoryCacheMB,
		"download_cache_mb", cfg.DownloadCacheMB,
		"result_cache_mb", cfg.ResultCacheMB,
		"network_parallelism", cfg.NetworkParallelism,
		"decode_parallelism", cfg.DecodeParallelism,
	)
	return e, nil
}

func (e *Engine) openDiskCaches(fs billy.Filesystem) error {
	if e.cfg.DownloadCacheMB == 0 && e.cfg.ResultCacheMB == 0 {
		return nil
	}
	if fs == nil {
		if e.cfg.CacheDir == "" {
			fs = memfs.New()
		} else {
			fs = osfs.New(e.cfg.CacheDir)
		}
	}

	open := func(dir string, sizeMB int) (*diskcache.Cache, error) {
		if sizeMB == 0 {
			return nil, nil
		}
		sub, err := fs.Chroot(dir)
		if err != nil {
			return nil, fmt.Errorf("%s cache: %w", dir, err)
		}
		c, err := diskcache.Open(sub, diskcache.Options{
			MaxSize: int64(sizeMB) * mb,
			Version: e.cfg.CacheVersion,
			Name:    dir,
			Logger:  e.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%s cache: %w", dir, err)
		}
		return c, nil
	}

	var err error
	if e.downloads, err = open(downloadCacheDir, e.cfg.DownloadCacheMB); err != nil {
		return err
	}
	e.results, err = open(resultCacheDir, e.cfg.ResultCacheMB)
	return err
}

func (e *Engine) buildFetchers(o options) error {
	stack := o.stack
	if stack == nil {
		stack = fetch.NewDefaultHTTPStack(e.cfg.FetchTimeout, e.cfg.UserAgent)
	}
	if e.cfg.HostRatePerSecond > 0 {
		stack = fetch.NewRateLimitedStack(stack, e.cfg.HostRatePerSecond, e.cfg.HostRateBurst)
	}

	httpFactory, err := fetch.NewHTTPFactory(fetch.HTTPConfig{
		Stack:        stack,
		Cache:        e.downloads,
		Locks:        e.fetchLocks,
		Network:      e.network,
		MaxBodyBytes: int64(e.cfg.MaxSourceSizeMB) * mb,
		Logger:       e.logger,
	})
	if err != nil {
		return err
	}

	resolver := o.resolver
	if resolver == nil {
		ua := e.cfg.UserAgent
		if ua == "" {
			ua = fetch.DefaultUserAgent
		}
		resolver = fetch.NewDirectoryResolver(fetch.NewCachingDirectory(e.cfg.PLCURL, o.httpClient, ua))
	}
	blobFactory, err := fetch.NewBlobFactory(resolver, httpFactory)
	if err != nil {
		return err
	}

	localFS := o.localFS
	if localFS == nil {
		localFS = osfs.New("/")
	}

	e.fetchers = fetch.NewRegistry(o.fetchFactories...)
	e.fetchers.Add(
		httpFactory,
		blobFactory,
		fetch.NewFileFactory(localFS),
		fetch.DataURIFactory{},
	)
	return nil
}

func (e *Engine) memorySize() int64 {
	if e.memory == nil {
		return 0
	}
	return e.memory.Size()
}

func diskSize(c *diskcache.Cache) func() int64 {
	if c == nil {
		return nil
	}
	return c.Size
}

// SetBusy marks the engine busy. Requests with ParamPauseWhenBusy are then
// served from memory only.
func (e *Engine) SetBusy(busy bool) {
	e.busy.Store(busy)
}

// SetMetered marks the network as metered. Requests with ParamSaveData are
// then kept off the network.
func (e *Engine) SetMetered(metered bool) {
	e.metered.Store(metered)
}

// Pool returns the bitmap pool shared by all stages.
func (e *Engine) Pool() *bitmap.Pool { return e.pool }

// MemoryCache returns the memory tier, nil when disabled.
func (e *Engine) MemoryCache() *memorycache.Cache { return e.memory }

// DownloadCache returns the raw source tier, nil when disabled.
func (e *Engine) DownloadCache() *diskcache.Cache { return e.downloads }

// ResultCache returns the processed image tier, nil when disabled.
func (e *Engine) ResultCache() *diskcache.Cache { return e.results }

// ClearCaches empties every cache tier and the bitmap pool.
func (e *Engine) ClearCaches() error {
	if e.memory != nil {
		e.memory.Clear()
	}
	e.pool.Clear()
	var errs []error
	for _, c := range []*diskcache.Cache{e.downloads, e.results} {
		if c != nil {
			if err := c.Clear(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close waits for enqueued jobs, stops cleanup and closes the disk caches.
// Bitmaps already handed out stay valid.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.jobs.Wait()
	for _, stop := range e.stopCleanup {
		stop()
	}
	var errs []error
	for _, c := range []*diskcache.Cache{e.downloads, e.results} {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if e.memory != nil {
		e.memory.Clear()
	}
	e.logger.Info("[PIPELINE] engine closed")
	return errors.Join(errs...)
}
