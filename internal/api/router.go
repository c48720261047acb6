package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/puckettventures/converse/internal/api/handlers"
	"github.com/puckettventures/converse/internal/api/middleware"
	"github.com/puckettventures/converse/internal/auth"
	"github.com/puckettventures/converse/internal/config"
)

type Router struct {
	mux        *chi.Mux
	cfg        *config.Config
	redis      *redis.Client
	narrations handlers.NarrationService
	checks     map[string]handlers.Pinger
	jwt        *auth.JWTMiddleware
}

// NewRouter wires the HTTP surface. Bearer auth is enforced only when
// jwtSecret is non-empty.
func NewRouter(cfg *config.Config, rdb *redis.Client, narrations handlers.NarrationService, checks map[string]handlers.Pinger, jwtSecret string) *Router {
	rt := &Router{
		mux:        chi.NewRouter(),
		cfg:        cfg,
		redis:      rdb,
		narrations: narrations,
		checks:     checks,
	}
	if jwtSecret != "" {
		rt.jwt = auth.NewJWTMiddleware(jwtSecret, cfg.Auth.Issuer)
	}
	return rt
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.CORSOrigins))

	if rt.redis != nil && rt.cfg.Server.RateLimitRPS > 0 {
		rl := middleware.NewRateLimiter(rt.redis, rt.cfg.Session.KeyPrefix, rt.cfg.Server.RateLimitRPS, rt.cfg.Server.RateLimitBurst)
		r.Use(rl.Limit)
	}

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	narrationH := handlers.NewNarrationHandler(rt.narrations, rt.cfg.Server.MaxUploadBytes)
	r.Route("/api/v1", func(r chi.Router) {
		if rt.jwt != nil {
			r.Use(rt.jwt.Authenticate)
		}

		r.Route("/narrations", func(r chi.Router) {
			r.With(rt.require(auth.PermNarrationsWrite)).Post("/", narrationH.Create)
			r.With(rt.require(auth.PermNarrationsRead)).Get("/{id}", narrationH.Get)
		})
	})

	return r
}

func (rt *Router) require(perm auth.Permission) func(http.Handler) http.Handler {
	if rt.jwt == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequirePermission(perm)
}
