package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Response is the part of an HTTP response the fetcher needs.
type Response struct {
	StatusCode int
	// ContentLength is -1 when unknown.
	ContentLength int64
	ContentType   string
	Chunked       bool
	Body          io.ReadCloser
}

// HTTPStack performs HTTP GETs. The fetcher does not care which client is
// underneath.
type HTTPStack interface {
	GetResponse(ctx context.Context, uri string, headers map[string]string) (*Response, error)
}

// DefaultUserAgent identifies the fetcher to origin servers.
const DefaultUserAgent = "Lumen-ImageFetcher/1.0"

// DefaultHTTPStack is an HTTPStack on net/http.
type DefaultHTTPStack struct {
	client    *http.Client
	userAgent string
}

// NewDefaultHTTPStack creates a stack whose requests time out after timeout.
func NewDefaultHTTPStack(timeout time.Duration, userAgent string) *DefaultHTTPStack {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &DefaultHTTPStack{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// GetResponse issues a GET. Cancellation of ctx is returned unwrapped so
// callers can tell it apart from transport failures.
func (s *DefaultHTTPStack) GetResponse(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrInvalidURI, err)
	}

	// Set User-Agent header for identification
	req.Header.Set("User-Agent", s.userAgent)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
			}
			return nil, ctxErr
		}
		if isTimeoutError(err) {
			return nil, fmt.Errorf("%w: request timed out", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		Chunked:       slices.Contains(resp.TransferEncoding, "chunked"),
		Body:          resp.Body,
	}, nil
}

// isTimeoutError checks if the error is a timeout-related error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

// RateLimitedStack throttles requests per host with a token bucket. It sits
// below the download cache so cache hits are never throttled.
type RateLimitedStack struct {
	next     HTTPStack
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedStack allows perSecond requests per host with the given burst.
func NewRateLimitedStack(next HTTPStack, perSecond float64, burst int) *RateLimitedStack {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedStack{
		next:     next,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *RateLimitedStack) limiter(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[host] = l
	}
	return l
}

// GetResponse waits for a token for the host of uri, then delegates.
func (s *RateLimitedStack) GetResponse(ctx context.Context, uri string, headers map[string]string) (*Response, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if err := s.limiter(u.Host).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: rate limit: %v", ErrFetchFailed, err)
	}
	return s.next.GetResponse(ctx, uri, headers)
}
