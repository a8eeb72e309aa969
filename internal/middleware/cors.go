package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CORSPolicy lists the browser origins allowed to call the API. With
// AllowAll set, or no origins at all, any origin is accepted but
// credentials are not.
type CORSPolicy struct {
	Origins  []string
	AllowAll bool
	MaxAge   time.Duration
}

func (p CORSPolicy) Handler() func(http.Handler) http.Handler {
	origins := p.Origins
	wildcard := p.AllowAll || len(origins) == 0
	if wildcard {
		origins = []string{"*"}
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{
			middleware.RequestIDHeader,
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
		},
		AllowCredentials: !wildcard,
		MaxAge:           int(maxAge.Seconds()),
	})
}

// DefaultMiddlewareStack runs ahead of everything else on the router.
func DefaultMiddlewareStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.RealIP,
		middleware.CleanPath,
		middleware.Recoverer,
		middleware.Compress(5, "application/json"),
	}
}
