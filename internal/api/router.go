package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/locolive/relay/internal/middleware"
)

// Router holds all handlers and creates the chi router
type Router struct {
	notificationHandler *NotificationHandler
	presenceHandler     *PresenceHandler
	healthHandler       *HealthHandler
	gateway             http.Handler
	metrics             http.Handler
	verifier            middleware.Verifier
	rateLimiter         *middleware.RateLimiter
	allowedOrigins      []string
	logger              *zap.Logger
}

// RouterConfig lists the collaborators of NewRouter. Metrics and RateLimiter may be nil.
type RouterConfig struct {
	Notifications  *NotificationHandler
	Presence       *PresenceHandler
	Health         *HealthHandler
	Gateway        http.Handler
	Metrics        http.Handler
	Verifier       middleware.Verifier
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
}

// NewRouter creates a new router
func NewRouter(cfg RouterConfig, logger *zap.Logger) *Router {
	return &Router{
		notificationHandler: cfg.Notifications,
		presenceHandler:     cfg.Presence,
		healthHandler:       cfg.Health,
		gateway:             cfg.Gateway,
		metrics:             cfg.Metrics,
		verifier:            cfg.Verifier,
		rateLimiter:         cfg.RateLimiter,
		allowedOrigins:      cfg.AllowedOrigins,
		logger:              logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.allowedOrigins))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	// The gateway authenticates its own handshake and hijacks the connection,
	// so it sits outside compression and the auth middleware.
	r.Method(http.MethodGet, "/ws", rt.gateway)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Compress(5))
		r.Use(middleware.AuthMiddleware(rt.verifier))
		if rt.rateLimiter != nil {
			r.Use(rt.rateLimiter.Middleware)
		}

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", rt.notificationHandler.GetNotifications)
			r.Post("/{id}/read", rt.notificationHandler.MarkRead)
		})

		r.Post("/devices", rt.notificationHandler.RegisterDevice)

		r.Route("/presence", func(r chi.Router) {
			r.Get("/", rt.presenceHandler.OnlineUsers)
			r.Get("/{userId}", rt.presenceHandler.Status)
		})
	})

	return r
}
