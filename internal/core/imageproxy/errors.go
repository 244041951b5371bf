package imageproxy

import "errors"

var (
	// ErrInvalidPreset is returned when a preset name is not found in the preset registry.
	ErrInvalidPreset = errors.New("invalid image preset")

	// ErrInvalidDID is returned when a DID string does not match expected atproto DID format.
	ErrInvalidDID = errors.New("invalid DID format")

	// ErrInvalidCID is returned when a CID string is not a valid content identifier.
	ErrInvalidCID = errors.New("invalid CID format")

	// ErrInvalidURI is returned when a source URI is malformed or uses a scheme
	// the proxy does not serve.
	ErrInvalidURI = errors.New("invalid source URI")

	// ErrInvalidTransform is returned when the transformation list cannot be parsed.
	ErrInvalidTransform = errors.New("invalid transformation")

	// ErrEncodeFailed is returned when the processed image cannot be encoded.
	ErrEncodeFailed = errors.New("image encoding failed")

	// ErrNilDependency is returned when a required dependency is nil.
	ErrNilDependency = errors.New("required dependency is nil")
)
