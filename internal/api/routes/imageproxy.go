package routes

import (
	"github.com/go-chi/chi/v5"

	imageproxyhandlers "Lumen/internal/api/handlers/imageproxy"
)

// RegisterImageProxyRoutes registers image proxy endpoints on the router.
//
// Routes:
//   - GET /img/{preset}?uri={uri}&t={transformations}
//   - GET /img/{preset}/plain/{did}/{cid}?t={transformations}
//
// Both endpoints support ETag-based caching with If-None-Match headers.
func RegisterImageProxyRoutes(r chi.Router, handler *imageproxyhandlers.Handler) {
	r.Get("/img/{preset}", handler.HandleImage)
	r.Get("/img/{preset}/plain/{did}/{cid}", handler.HandleBlob)
}
