package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/services"
	"payflow-backend/infrastructure/config"
	"payflow-backend/interfaces/http/rest/handlers"
	"payflow-backend/interfaces/http/rest/middleware"
	"payflow-backend/pkg/auth"
)

// Router creates and configures the HTTP router
type Router struct {
	registry    *orchestrator.Registry
	flowService *services.FlowService
	rateLimiter *auth.PersistentRateLimiter
	cfg         *config.Config
	logger      *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	registry *orchestrator.Registry,
	flowService *services.FlowService,
	rateLimiter *auth.PersistentRateLimiter,
	cfg *config.Config,
	logger *zap.Logger,
) *Router {
	return &Router{
		registry:    registry,
		flowService: flowService,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		logger:      logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000", "https://*.payflow.dev"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	if rt.cfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	router.Route("/api/v1", func(r chi.Router) {
		if rt.rateLimiter != nil {
			r.Use(middleware.RateLimit(rt.rateLimiter, rt.logger))
		}

		// Token refresh stays outside the authenticated group: an expired
		// token must be able to reach it
		if refresh, err := middleware.NewTokenRefreshMiddleware(rt.cfg.JWTSecret); err == nil {
			r.Post("/auth/refresh", refresh.RefreshToken)
		} else {
			rt.logger.Warn("token refresh endpoint disabled", zap.Error(err))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate())

			r.Route("/flows", func(r chi.Router) {
				flowHandler := handlers.NewFlowHandler(rt.registry, rt.flowService, rt.logger)
				r.Post("/", flowHandler.InitializeFlow)
				r.Get("/{flowID}", flowHandler.GetFlow)
				r.Post("/{flowID}/process", flowHandler.ProcessFlow)
				r.Post("/{flowID}/schedule", flowHandler.ScheduleFlow)
				r.Delete("/{flowID}/schedule", flowHandler.CancelSchedule)
				r.Post("/{flowID}/booking", flowHandler.BookingCreated)
				r.Post("/{flowID}/back", flowHandler.GoBack)
				r.Delete("/{flowID}", flowHandler.CleanupFlow)
			})
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
