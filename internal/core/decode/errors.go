package decode

import (
	"errors"
	"fmt"
)

var (
	// ErrDecodeFailed is the root of every decode failure.
	ErrDecodeFailed = errors.New("decode failed")

	// ErrInvalidSize is returned when the image or its decoded buffer is 1px
	// or smaller in either dimension.
	ErrInvalidSize = fmt.Errorf("%w: invalid image size", ErrDecodeFailed)

	// ErrIncompatibleBuffer is returned by a Source that cannot decode into
	// the buffer it was given. The helper retries once without one.
	ErrIncompatibleBuffer = fmt.Errorf("%w: incompatible reuse buffer", ErrDecodeFailed)

	// ErrUnsupportedFormat is returned when no decoder accepts the data.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported image format", ErrDecodeFailed)
)
