package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config validation errors
var (
	// ErrInvalidCacheSize is returned when a cache or pool limit is negative
	ErrInvalidCacheSize = errors.New("cache sizes cannot be negative")
	// ErrInvalidParallelism is returned when a worker pool has no slots
	ErrInvalidParallelism = errors.New("parallelism must be positive")
	// ErrInvalidFetchTimeout is returned when FetchTimeout is not positive
	ErrInvalidFetchTimeout = errors.New("FetchTimeout must be positive")
	// ErrInvalidMaxSourceSize is returned when MaxSourceSizeMB is not positive
	ErrInvalidMaxSourceSize = errors.New("MaxSourceSizeMB must be positive")
	// ErrInvalidCacheTTL is returned when CacheTTL is negative
	ErrInvalidCacheTTL = errors.New("CacheTTL cannot be negative")
	// ErrInvalidRateLimit is returned for a negative rate or a rate without burst
	ErrInvalidRateLimit = errors.New("host rate limit requires a non-negative rate and a positive burst")
)

const mb = 1024 * 1024

// Config holds the sizing and network settings of an Engine.
type Config struct {
	// CacheDir is the root of the download and result caches. Empty keeps
	// both caches in memory.
	CacheDir string

	// CacheVersion stamps the disk layout. Changing it discards both caches.
	CacheVersion int

	// MemoryCacheMB bounds decoded bitmaps kept in memory. 0 disables the tier.
	MemoryCacheMB int

	// PoolMB bounds free bitmaps kept for reuse. 0 means unbounded.
	PoolMB int

	// DownloadCacheMB bounds raw source bytes on disk. 0 disables the tier.
	DownloadCacheMB int

	// ResultCacheMB bounds processed images on disk. 0 disables the tier.
	ResultCacheMB int

	// CacheTTL is the maximum age of an unread disk entry. 0 disables expiry.
	CacheTTL time.Duration

	// CleanupInterval is how often expired disk entries are removed.
	// 0 disables background cleanup.
	CleanupInterval time.Duration

	// NetworkParallelism is the number of concurrent source transfers.
	NetworkParallelism int

	// DecodeParallelism is the number of concurrent decodes.
	DecodeParallelism int

	// FetchTimeout is the maximum time allowed for one source transfer.
	FetchTimeout time.Duration

	// MaxSourceSizeMB is the maximum allowed size for source images.
	MaxSourceSizeMB int

	// UserAgent is sent with every network request.
	UserAgent string

	// PLCURL is the PLC directory used to resolve DIDs for blob URIs.
	PLCURL string

	// HostRatePerSecond limits requests per source host. 0 disables limiting.
	HostRatePerSecond float64
	HostRateBurst     int

	// BreakerThreshold is the number of consecutive failures that opens a
	// host's circuit, and BreakerOpenDuration how long it stays open.
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
}

// NewConfig returns DefaultConfig with cacheDir, validated.
func NewConfig(cacheDir string, memoryCacheMB, downloadCacheMB, resultCacheMB int) (Config, error) {
	cfg := DefaultConfig()
	cfg.CacheDir = cacheDir
	cfg.MemoryCacheMB = memoryCacheMB
	cfg.DownloadCacheMB = downloadCacheMB
	cfg.ResultCacheMB = resultCacheMB
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	for _, size := range []int{c.MemoryCacheMB, c.PoolMB, c.DownloadCacheMB, c.ResultCacheMB} {
		if size < 0 {
			return fmt.Errorf("%w: got %d", ErrInvalidCacheSize, size)
		}
	}
	if c.NetworkParallelism <= 0 {
		return fmt.Errorf("%w: network got %d", ErrInvalidParallelism, c.NetworkParallelism)
	}
	if c.DecodeParallelism <= 0 {
		return fmt.Errorf("%w: decode got %d", ErrInvalidParallelism, c.DecodeParallelism)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidFetchTimeout, c.FetchTimeout)
	}
	if c.MaxSourceSizeMB <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxSourceSize, c.MaxSourceSizeMB)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidCacheTTL, c.CacheTTL)
	}
	if c.HostRatePerSecond < 0 || (c.HostRatePerSecond > 0 && c.HostRateBurst <= 0) {
		return fmt.Errorf("%w: rate %v burst %d", ErrInvalidRateLimit, c.HostRatePerSecond, c.HostRateBurst)
	}
	return nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		CacheDir:            "",
		CacheVersion:        1,
		MemoryCacheMB:       64,
		PoolMB:              32,
		DownloadCacheMB:     512,
		ResultCacheMB:       256,
		CacheTTL:            30 * 24 * time.Hour,
		CleanupInterval:     1 * time.Hour,
		NetworkParallelism:  10,
		DecodeParallelism:   max(runtime.NumCPU(), 1),
		FetchTimeout:        30 * time.Second,
		MaxSourceSizeMB:     10,
		UserAgent:           "",
		PLCURL:              "https://plc.directory",
		HostRatePerSecond:   20,
		HostRateBurst:       40,
		BreakerThreshold:    3,
		BreakerOpenDuration: 5 * time.Minute,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Uses defaults for any missing or invalid environment variables.
//
// Environment variables:
//   - LUMEN_CACHE_DIR: disk cache root, empty keeps caches in memory (default: "")
//   - LUMEN_CACHE_VERSION: disk layout version (default: 1)
//   - LUMEN_MEMORY_CACHE_MB: memory cache size, 0 to disable (default: 64)
//   - LUMEN_POOL_MB: free bitmap pool size, 0 for unbounded (default: 32)
//   - LUMEN_DOWNLOAD_CACHE_MB: download cache size, 0 to disable (default: 512)
//   - LUMEN_RESULT_CACHE_MB: result cache size, 0 to disable (default: 256)
//   - LUMEN_CACHE_TTL_DAYS: max age of unread disk entries, 0 to disable (default: 30)
//   - LUMEN_CLEANUP_INTERVAL_MINUTES: cleanup job interval, 0 to disable (default: 60)
//   - LUMEN_NETWORK_PARALLELISM: concurrent transfers (default: 10)
//   - LUMEN_DECODE_PARALLELISM: concurrent decodes (default: number of CPUs)
//   - LUMEN_FETCH_TIMEOUT_SECONDS: transfer timeout (default: 30)
//   - LUMEN_MAX_SOURCE_SIZE_MB: max source image size (default: 10)
//   - LUMEN_USER_AGENT: User-Agent header (default: built in)
//   - LUMEN_PLC_URL: PLC directory URL (default: "https://plc.directory")
//   - LUMEN_HOST_RATE_PER_SECOND: per-host request rate, 0 to disable (default: 20)
//   - LUMEN_HOST_RATE_BURST: per-host burst (default: 40)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("LUMEN_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("LUMEN_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("LUMEN_PLC_URL"); v != "" {
		cfg.PLCURL = v
	}

	cfg.CacheVersion = envInt("LUMEN_CACHE_VERSION", cfg.CacheVersion, 0)
	cfg.MemoryCacheMB = envInt("LUMEN_MEMORY_CACHE_MB", cfg.MemoryCacheMB, 0)
	cfg.PoolMB = envInt("LUMEN_POOL_MB", cfg.PoolMB, 0)
	cfg.DownloadCacheMB = envInt("LUMEN_DOWNLOAD_CACHE_MB", cfg.DownloadCacheMB, 0)
	cfg.ResultCacheMB = envInt("LUMEN_RESULT_CACHE_MB", cfg.ResultCacheMB, 0)
	cfg.NetworkParallelism = envInt("LUMEN_NETWORK_PARALLELISM", cfg.NetworkParallelism, 1)
	cfg.DecodeParallelism = envInt("LUMEN_DECODE_PARALLELISM", cfg.DecodeParallelism, 1)
	cfg.MaxSourceSizeMB = envInt("LUMEN_MAX_SOURCE_SIZE_MB", cfg.MaxSourceSizeMB, 1)
	cfg.HostRateBurst = envInt("LUMEN_HOST_RATE_BURST", cfg.HostRateBurst, 1)

	ttlDays := envInt("LUMEN_CACHE_TTL_DAYS", int(cfg.CacheTTL/(24*time.Hour)), 0)
	cfg.CacheTTL = time.Duration(ttlDays) * 24 * time.Hour

	cleanupMinutes := envInt("LUMEN_CLEANUP_INTERVAL_MINUTES", int(cfg.CleanupInterval.Minutes()), 0)
	cfg.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	timeoutSeconds := envInt("LUMEN_FETCH_TIMEOUT_SECONDS", int(cfg.FetchTimeout.Seconds()), 1)
	cfg.FetchTimeout = time.Duration(timeoutSeconds) * time.Second

	if v := os.Getenv("LUMEN_HOST_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.HostRatePerSecond = f
		} else {
			slog.Warn("[PIPELINE] invalid LUMEN_HOST_RATE_PER_SECOND value, using default",
				"value", v,
				"default", cfg.HostRatePerSecond,
				"error", err,
			)
		}
	}

	return cfg
}

// envInt reads an integer of at least minimum, logging and keeping def on
// invalid input.
func envInt(name string, def, minimum int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err == nil && n >= minimum {
		return n
	}
	slog.Warn("[PIPELINE] invalid "+name+" value, using default",
		"value", v,
		"default", def,
		"error", err,
	)
	return def
}
