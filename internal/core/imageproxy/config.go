package imageproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config validation errors
var (
	// ErrInvalidCacheMaxAge is returned when CacheMaxAge is negative
	ErrInvalidCacheMaxAge = errors.New("CacheMaxAge cannot be negative")
	// ErrInvalidClientRate is returned when the per-client rate limit is inconsistent
	ErrInvalidClientRate = errors.New("ClientRatePerSecond and ClientBurst must both be positive or both be zero")
)

// Config holds the HTTP-facing settings of the image proxy.
type Config struct {
	// Enabled determines whether the /img routes are mounted.
	Enabled bool

	// BaseURL is the origin/domain for the image proxy service (e.g., "https://img.example.com").
	// Empty string generates relative URLs (e.g., "/img/avatar/plain/did/cid").
	BaseURL string

	// CDNURL overrides BaseURL in generated URLs when set.
	CDNURL string

	// CacheMaxAge is the max-age advertised to browsers and CDNs.
	CacheMaxAge time.Duration

	// ClientRatePerSecond and ClientBurst bound requests per client IP.
	// Zero disables per-client limiting.
	ClientRatePerSecond float64
	ClientBurst         int
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.CacheMaxAge < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidCacheMaxAge, c.CacheMaxAge)
	}
	if (c.ClientRatePerSecond > 0) != (c.ClientBurst > 0) || c.ClientRatePerSecond < 0 || c.ClientBurst < 0 {
		return fmt.Errorf("%w: got %v/%d", ErrInvalidClientRate, c.ClientRatePerSecond, c.ClientBurst)
	}
	return nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		CacheMaxAge:         365 * 24 * time.Hour,
		ClientRatePerSecond: 50,
		ClientBurst:         100,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Uses defaults for any missing environment variables.
//
// Environment variables:
//   - IMAGE_PROXY_ENABLED: "true"/"1" to enable, "false"/"0" to disable (default: true)
//   - IMAGE_PROXY_BASE_URL: origin URL for image proxy (default: "" for relative URLs)
//   - IMAGE_PROXY_CDN_URL: optional CDN URL prefix (default: "")
//   - IMAGE_PROXY_CACHE_MAX_AGE_DAYS: Cache-Control max-age in days (default: 365)
//   - IMAGE_PROXY_CLIENT_RATE: requests per second per client, 0 to disable (default: 50)
//   - IMAGE_PROXY_CLIENT_BURST: burst per client (default: 100)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("IMAGE_PROXY_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("IMAGE_PROXY_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("IMAGE_PROXY_CDN_URL"); v != "" {
		cfg.CDNURL = v
	}

	if v := os.Getenv("IMAGE_PROXY_CACHE_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CacheMaxAge = time.Duration(n) * 24 * time.Hour
		} else {
			slog.Warn("[IMAGE-PROXY] invalid IMAGE_PROXY_CACHE_MAX_AGE_DAYS value, using default",
				"value", v,
				"default_days", int(cfg.CacheMaxAge.Hours()/24),
				"error", err,
			)
		}
	}

	if v := os.Getenv("IMAGE_PROXY_CLIENT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.ClientRatePerSecond = f
		} else {
			slog.Warn("[IMAGE-PROXY] invalid IMAGE_PROXY_CLIENT_RATE value, using default",
				"value", v,
				"default", cfg.ClientRatePerSecond,
				"error", err,
			)
		}
	}

	if v := os.Getenv("IMAGE_PROXY_CLIENT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ClientBurst = n
		} else {
			slog.Warn("[IMAGE-PROXY] invalid IMAGE_PROXY_CLIENT_BURST value, using default",
				"value", v,
				"default", cfg.ClientBurst,
				"error", err,
			)
		}
	}

	return cfg
}

func (c Config) baseURL() string {
	if c.CDNURL != "" {
		return strings.TrimSuffix(c.CDNURL, "/")
	}
	return strings.TrimSuffix(c.BaseURL, "/")
}

// BlobURL generates the proxy URL of an AT Protocol blob.
// Format: {base}/img/{preset}/plain/{did}/{cid}
// Returns empty string if preset, did, or cid are empty.
func (c Config) BlobURL(preset, did, cid string) string {
	if preset == "" || did == "" || cid == "" {
		return ""
	}
	return c.baseURL() + "/img/" + preset + "/plain/" +
		url.PathEscape(did) + "/" + url.PathEscape(cid)
}

// SourceURL generates the proxy URL of an arbitrary source URI.
// Format: {base}/img/{preset}?uri={uri}
func (c Config) SourceURL(preset, uri string) string {
	if preset == "" || uri == "" {
		return ""
	}
	return c.baseURL() + "/img/" + preset + "?uri=" + url.QueryEscape(uri)
}
