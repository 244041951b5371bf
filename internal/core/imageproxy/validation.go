package imageproxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"Lumen/internal/core/fetch"
)

// servedSchemes are the source schemes reachable through the proxy. Local
// files and data URIs stay internal to the engine.
var servedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"atblob": true,
}

// ValidateDID validates that a DID string matches expected atproto DID formats.
// Returns ErrInvalidDID if the DID is invalid.
func ValidateDID(did string) error {
	// Check for path traversal attempts before parsing
	if strings.Contains(did, "..") || strings.ContainsAny(did, "/\\\x00") {
		return ErrInvalidDID
	}
	if _, err := syntax.ParseDID(did); err != nil {
		return ErrInvalidDID
	}
	return nil
}

// ValidateCID validates that a CID string is a valid content identifier.
// Returns ErrInvalidCID if the CID is invalid.
func ValidateCID(cid string) error {
	if strings.Contains(cid, "..") || strings.ContainsAny(cid, "/\\\x00") {
		return ErrInvalidCID
	}
	if _, err := syntax.ParseCID(cid); err != nil {
		return ErrInvalidCID
	}
	return nil
}

// ValidatePreset validates that a preset name is safe and exists.
func ValidatePreset(preset string) error {
	if preset == "" || strings.ContainsAny(preset, "/\\") || strings.Contains(preset, "..") {
		return ErrInvalidPreset
	}
	_, err := GetPreset(preset)
	return err
}

// ValidateURI checks that uri is absolute and uses a scheme the proxy serves.
// atblob URIs must carry a valid DID and CID.
func ValidateURI(uri string) error {
	if uri == "" || strings.ContainsRune(uri, '\x00') {
		return ErrInvalidURI
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !servedSchemes[scheme] {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURI, u.Scheme)
	}
	if scheme == "atblob" {
		if _, _, err := fetch.ParseBlobURI(uri); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return nil
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURI)
	}
	return nil
}
