package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/singleflight"

	"Lumen/internal/core/request"
)

// BlobScheme prefixes AT Protocol blob URIs: atblob://{did}/{cid}.
const BlobScheme = "atblob://"

// BlobURI formats the URI of a blob.
func BlobURI(did, cid string) string {
	return BlobScheme + did + "/" + cid
}

// ParseBlobURI validates an atblob URI and returns its parts, the CID in
// canonical string form.
func ParseBlobURI(uri string) (syntax.DID, cid.Cid, error) {
	rest, ok := strings.CutPrefix(uri, BlobScheme)
	if !ok {
		return "", cid.Undef, fmt.Errorf("%w: not an atblob uri", ErrInvalidURI)
	}
	didStr, cidStr, ok := strings.Cut(rest, "/")
	if !ok {
		return "", cid.Undef, fmt.Errorf("%w: expected atblob://{did}/{cid}", ErrInvalidURI)
	}
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return "", cid.Undef, fmt.Errorf("%w: invalid DID: %v", ErrInvalidURI, err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return "", cid.Undef, fmt.Errorf("%w: invalid CID: %v", ErrInvalidURI, err)
	}
	return did, c, nil
}

// resolveTimeout bounds a shared DID lookup, which no longer follows any
// single caller's context.
const resolveTimeout = 10 * time.Second

// PDSResolver finds the PDS that hosts a DID's blobs.
type PDSResolver interface {
	ResolvePDS(ctx context.Context, did syntax.DID) (string, error)
}

// DirectoryResolver resolves PDS endpoints through an indigo identity
// directory. Concurrent lookups of the same DID share one call.
type DirectoryResolver struct {
	dir   identity.Directory
	group singleflight.Group
}

// NewDirectoryResolver wraps dir.
func NewDirectoryResolver(dir identity.Directory) *DirectoryResolver {
	return &DirectoryResolver{dir: dir}
}

// NewCachingDirectory builds the default identity directory: PLC and
// did:web resolution with an in-memory cache.
func NewCachingDirectory(plcURL string, client *http.Client, userAgent string) identity.Directory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := &identity.BaseDirectory{
		PLCURL:     plcURL,
		HTTPClient: *client,
		UserAgent:  userAgent,
	}
	dir := identity.NewCacheDirectory(base, 100_000, time.Hour*24, time.Minute*2, time.Minute*5)
	return &dir
}

// ResolvePDS returns the PDS endpoint of did. Callers waiting on the same
// DID share one lookup, and a caller that gives up only stops waiting.
func (r *DirectoryResolver) ResolvePDS(ctx context.Context, did syntax.DID) (string, error) {
	ch := r.group.DoChan(did.String(), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		ident, err := r.dir.LookupDID(lookupCtx, did)
		if err != nil {
			return "", err
		}
		pds := ident.PDSEndpoint()
		if pds == "" {
			return "", fmt.Errorf("no PDS endpoint for %s", did)
		}
		return pds, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: resolve PDS: %v", ErrFetchFailed, res.Err)
		}
		return res.Val.(string), nil
	}
}

// BlobFactory serves atblob URIs with com.atproto.sync.getBlob. The transfer
// and caching reuse the HTTP fetcher under the request's fetch key, so the
// cached download does not depend on where the DID is hosted.
type BlobFactory struct {
	resolver PDSResolver
	http     *HTTPFactory
}

// NewBlobFactory creates a factory for atblob URIs.
func NewBlobFactory(resolver PDSResolver, httpFactory *HTTPFactory) (*BlobFactory, error) {
	if resolver == nil || httpFactory == nil {
		return nil, fmt.Errorf("%w: blob factory needs a resolver and an http factory", ErrNilDependency)
	}
	return &BlobFactory{resolver: resolver, http: httpFactory}, nil
}

func (f *BlobFactory) Create(rc *request.Context) (Fetcher, error) {
	if !strings.HasPrefix(rc.Request.URI(), BlobScheme) {
		return nil, nil
	}
	did, c, err := ParseBlobURI(rc.Request.URI())
	if err != nil {
		return nil, err
	}
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		return f.fetch(ctx, rc, did, c)
	}), nil
}

func (f *BlobFactory) fetch(ctx context.Context, rc *request.Context, did syntax.DID, c cid.Cid) (*Result, error) {
	// A cached download needs no resolution; a depth-limited request
	// must not resolve either since that is network I/O.
	if rc.Request.Depth() != request.DepthNetwork || rc.Request.DownloadCachePolicy().ReadEnabled() {
		if res, err := f.http.fetcherFor(rc, rc.Request.URI()).cachedOnly(ctx); err != nil || res != nil {
			return res, err
		}
		if rc.Request.Depth() != request.DepthNetwork {
			return nil, &request.DepthError{URI: rc.Request.URI(), Depth: rc.Request.Depth(), From: rc.Request.DepthFrom()}
		}
	}

	pds, err := f.resolver.ResolvePDS(ctx, did)
	if err != nil {
		return nil, err
	}
	return f.http.fetcherFor(rc, getBlobURL(pds, did, c)).Fetch(ctx)
}

// getBlobURL builds the com.atproto.sync.getBlob request URL.
func getBlobURL(pdsURL string, did syntax.DID, c cid.Cid) string {
	endpoint, err := url.Parse(pdsURL)
	if err != nil {
		endpoint = &url.URL{Scheme: "https", Host: pdsURL}
	}
	endpoint.Path = "/xrpc/com.atproto.sync.getBlob"

	query := url.Values{}
	query.Set("did", did.String())
	query.Set("cid", c.String())
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}
