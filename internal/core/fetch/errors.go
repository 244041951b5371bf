package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed is the root of every retrieval failure.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrNotFound is returned when the source reports the resource does not exist.
	ErrNotFound = fmt.Errorf("%w: not found", ErrFetchFailed)

	// ErrBadStatus is returned for any non-200 HTTP status other than not found.
	ErrBadStatus = fmt.Errorf("%w: unexpected status", ErrFetchFailed)

	// ErrUnknownLength is returned for chunked responses without a declared length.
	ErrUnknownLength = fmt.Errorf("%w: response length unknown", ErrFetchFailed)

	// ErrLengthMismatch is returned when fewer or more bytes arrive than declared.
	ErrLengthMismatch = fmt.Errorf("%w: length mismatch", ErrFetchFailed)

	// ErrEmptyBody is returned for a 200 response without content.
	ErrEmptyBody = fmt.Errorf("%w: empty response body", ErrFetchFailed)

	// ErrTooLarge is returned when the source exceeds the configured body limit.
	ErrTooLarge = fmt.Errorf("%w: source exceeds size limit", ErrFetchFailed)

	// ErrTimeout is returned when the transport gives up waiting.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrFetchFailed)

	// ErrCircuitOpen is returned while a host is being skipped after repeated failures.
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", ErrFetchFailed)

	// ErrUnsupportedScheme is returned when no registered factory accepts a URI.
	ErrUnsupportedScheme = errors.New("no fetcher for uri")

	// ErrInvalidURI is returned for URIs a factory accepted but cannot parse.
	ErrInvalidURI = errors.New("invalid uri")

	// ErrNilDependency is returned when a required dependency is nil.
	ErrNilDependency = errors.New("required dependency is nil")
)
