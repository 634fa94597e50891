package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/config"
)

// NewRouter creates a new HTTP router.
// events may be nil, in which case the admin event feed is not mounted.
func NewRouter(cfg *config.Config, svc LinkService, events http.HandlerFunc, confirmLimiter *RateLimiter, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", SecretHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Link confirmation from the web client
	r.Group(func(r chi.Router) {
		if confirmLimiter != nil {
			r.Use(RateLimitMiddleware(confirmLimiter))
		}
		r.Post("/link/confirm", HandleConfirmLink(svc, logger))
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(SharedSecretMiddleware(svc.VerifySecret))
		r.Get("/links", HandleListLinks(svc, logger))
	})

	// The feed authenticates itself so browsers can pass the secret as a query parameter
	if events != nil {
		r.Get("/links/events", events)
	}

	// Health check
	r.Get("/health", HandleHealth())

	return r
}
