package request

import (
	"errors"
	"fmt"
)

// CachePolicy controls whether a cache tier may be read and written.
type CachePolicy int

const (
	CacheEnabled CachePolicy = iota
	CacheDisabled
	CacheReadOnly
	CacheWriteOnly
)

// ReadEnabled reports whether the tier may be read.
func (p CachePolicy) ReadEnabled() bool {
	return p == CacheEnabled || p == CacheReadOnly
}

// WriteEnabled reports whether the tier may be written.
func (p CachePolicy) WriteEnabled() bool {
	return p == CacheEnabled || p == CacheWriteOnly
}

// ReadOrWrite reports whether the tier is used at all.
func (p CachePolicy) ReadOrWrite() bool {
	return p.ReadEnabled() || p.WriteEnabled()
}

func (p CachePolicy) String() string {
	switch p {
	case CacheEnabled:
		return "ENABLED"
	case CacheDisabled:
		return "DISABLED"
	case CacheReadOnly:
		return "READ_ONLY"
	case CacheWriteOnly:
		return "WRITE_ONLY"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// ParseCachePolicy parses the name returned by String.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch s {
	case "ENABLED", "enabled":
		return CacheEnabled, nil
	case "DISABLED", "disabled":
		return CacheDisabled, nil
	case "READ_ONLY", "read_only":
		return CacheReadOnly, nil
	case "WRITE_ONLY", "write_only":
		return CacheWriteOnly, nil
	}
	return 0, fmt.Errorf("unknown cache policy %q", s)
}

// Depth is the furthest tier a request may reach. Tiers are ordered
// NETWORK < LOCAL < MEMORY; a higher depth forbids everything below it.
type Depth int

const (
	// DepthNetwork allows every tier.
	DepthNetwork Depth = iota
	// DepthLocal forbids network access.
	DepthLocal
	// DepthMemory only allows the memory cache.
	DepthMemory
)

func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "NETWORK"
	case DepthLocal:
		return "LOCAL"
	case DepthMemory:
		return "MEMORY"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

// ErrDepthExceeded matches every *DepthError.
var ErrDepthExceeded = errors.New("request depth exceeded")

// DepthError is returned when satisfying a request needs a tier its depth forbids.
type DepthError struct {
	URI   string
	Depth Depth
	// From names what lowered the depth, empty when set by the caller.
	From string
}

func (e *DepthError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("request depth %s (from %s) forbids loading %s", e.Depth, e.From, e.URI)
	}
	return fmt.Sprintf("request depth %s forbids loading %s", e.Depth, e.URI)
}

// Is makes errors.Is(err, ErrDepthExceeded) match.
func (e *DepthError) Is(target error) bool {
	return target == ErrDepthExceeded
}

// DataFrom records which tier produced data.
type DataFrom int

const (
	FromNetwork DataFrom = iota
	FromDownloadCache
	FromLocal
	FromMemory
	FromResultCache
	FromMemoryCache
)

func (d DataFrom) String() string {
	switch d {
	case FromNetwork:
		return "NETWORK"
	case FromDownloadCache:
		return "DOWNLOAD_CACHE"
	case FromLocal:
		return "LOCAL"
	case FromMemory:
		return "MEMORY"
	case FromResultCache:
		return "RESULT_CACHE"
	case FromMemoryCache:
		return "MEMORY_CACHE"
	default:
		return fmt.Sprintf("DataFrom(%d)", int(d))
	}
}

// ImageInfo is the header metadata of a source image.
type ImageInfo struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MimeType string `json:"mimeType"`
	// ExifOrientation is the raw EXIF orientation tag, 1 when absent.
	ExifOrientation int `json:"exifOrientation"`
}
