package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	BaseURL           string        // Base URL for full URLs in responses
	MaxRetries        int           // cap on per-job retries
	APIKeys           []string
	AllowedIPs        []string
	Logger            *zap.Logger
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		BaseURL:           "http://localhost:8000",
		MaxRetries:        3,
	}
}

// SetupRoutes registers every route. The job routes are skipped when jobs is
// nil. The returned function stops the background sweepers of the routes.
func SetupRoutes(app *fiber.App, handler *Handler, jobs JobQueue, config RouteConfig) (stop func()) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          20,
	})
	idempotencyStore := security.NewIdempotencyStore(config.IdempotencyTTL)
	secMiddleware := security.NewMiddleware(rateLimiter, idempotencyStore, logger)

	app.Get("/health", handler.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/jqgo",
		security.SecurityHeadersMiddleware(),
		security.IPWhitelistMiddleware(config.AllowedIPs),
		security.APIKeyMiddleware(security.NewKeySet(config.APIKeys)),
		security.RequestValidationMiddleware(),
		secMiddleware.RateLimitMiddleware(),
	)

	api.Get("/browser/status", handler.BrowserStatus)
	api.Post("/run", handler.RunScenario)
	api.Post("/query", handler.Query)
	api.Post("/each", handler.Each)
	api.Post("/capture", handler.Capture)

	if jobs != nil {
		jobHandler := NewJobHandler(jobs, config.BaseURL, config.MaxRetries, logger)

		api.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		api.Get("/ws", websocket.New(jobHandler.HandleWebSocket))

		jobsGroup := api.Group("/jobs")
		jobsGroup.Post("", secMiddleware.IdempotencyMiddleware(), jobHandler.CreateJob)
		jobsGroup.Get("", jobHandler.ListJobs)
		jobsGroup.Get("/:job_id", jobHandler.GetJobStatus)
		jobsGroup.Get("/:job_id/result", jobHandler.GetJobResult)
		jobsGroup.Post("/:job_id/cancel", jobHandler.CancelJob)
		jobsGroup.Get("/:job_id/events", jobHandler.StreamEvents)
	}

	return func() {
		rateLimiter.Stop()
		idempotencyStore.Stop()
	}
}
