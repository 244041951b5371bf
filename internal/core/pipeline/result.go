package pipeline

import (
	"Lumen/internal/core/bitmap"
	"Lumen/internal/core/request"
)

// Output is what the request chain produces. The holder owns one reference
// on Bitmap.
type Output struct {
	Bitmap      *bitmap.CountBitmap
	Info        request.ImageInfo
	DataFrom    request.DataFrom
	Transformed []string
	Extras      map[string]string
}

// Result is the terminal state of a request: *Success, *Error or *Cancel.
type Result interface {
	Request() *request.ImageRequest
	result()
}

// Success carries the image. The caller owns one reference on Bitmap and
// must call Release when done with it.
type Success struct {
	req *request.ImageRequest
	*Output
}

// Request returns the request as executed, with defaults applied.
func (s *Success) Request() *request.ImageRequest { return s.req }

// Release drops the caller's reference on the bitmap.
func (s *Success) Release() {
	if s.Output != nil && s.Bitmap != nil {
		s.Bitmap.Release()
	}
}

func (*Success) result() {}

// Error is a failed request.
type Error struct {
	req *request.ImageRequest
	Err error
}

func (e *Error) Request() *request.ImageRequest { return e.req }
func (e *Error) Error() string                  { return e.Err.Error() }
func (e *Error) Unwrap() error                  { return e.Err }
func (*Error) result()                          {}

// Cancel is a request whose context was cancelled before it finished.
type Cancel struct {
	req *request.ImageRequest
}

func (c *Cancel) Request() *request.ImageRequest { return c.req }
func (*Cancel) result()                          {}
