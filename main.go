package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"

	"video-sizer/config"
	"video-sizer/handlers"
	"video-sizer/monitoring"
	"video-sizer/pkg/logging"
	"video-sizer/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Structured logging for everything past this point
	appLogger := logging.New("video-sizer", logging.LoadConfigFromEnv())
	slog.SetDefault(appLogger.Logger)

	// Monitoring
	metricsCollector := monitoring.NewMetricsCollector()
	healthChecker := monitoring.NewHealthChecker()

	// Event hub feeds the websocket clients and keeps services decoupled
	// from the transport.
	eventHub := services.NewEventHub()
	wsHub := services.NewWebSocketHub(eventHub)

	// Extraction pipeline: subprocess executor -> worker pool -> breaker.
	ytdlpService := services.NewYtdlpService(cfg.YtdlpPath, cfg.YtdlpTimeout, cfg.YtdlpMaxBuffer)
	if err := ytdlpService.CheckBinary(); err != nil {
		// Startup continues; every extraction will fail with NOT_FOUND
		// until the binary appears on PATH.
		slog.Warn("yt-dlp binary not found, extractions will fail", slog.String("error", err.Error()))
	}

	pool := services.NewWorkerPool(services.WorkerPoolConfig{
		MinWorkers:        cfg.MinWorkers,
		MaxWorkers:        cfg.MaxWorkers,
		MaxQueueSize:      cfg.MaxQueueSize,
		MaxTasksPerWorker: cfg.MaxTasksPerWorker,
		IdleTimeout:       cfg.WorkerIdle,
		TaskTimeout:       cfg.TaskTimeout(),
	}, func(ctx context.Context, task *services.Task) (*services.VideoMetadata, error) {
		return ytdlpService.Extract(ctx, task.URL, task.Cookies)
	}, eventHub)
	if cfg.WarmUp {
		pool.WarmUp()
	}

	breaker := services.NewCircuitBreaker("ytdlp", services.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		VolumeThreshold:  cfg.CircuitVolumeThreshold,
		Timeout:          cfg.CircuitTimeout,
	}, eventHub)

	rateLimiter := services.NewRateLimiter(services.RateLimiterConfig{
		MaxRequests:   cfg.RateLimitMaxRequests,
		Window:        cfg.RateLimitWindow,
		RedisEnabled:  cfg.RedisEnabled,
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
	}, eventHub)

	lifecycle := services.NewLifecycle(pool, rateLimiter, cfg.ShutdownGrace)
	lifecycle.SetTelemetryFlush(metricsCollector.Stop)

	// Health checks
	healthChecker.RegisterCheck("ytdlp", ytdlpService.CheckBinary)
	if cfg.RedisEnabled {
		healthChecker.RegisterCheck("redis", func() error {
			if rateLimiter.Backend() != "redis" {
				return services.NewExtractError(services.ErrCodeNetworkError, "rate limiter degraded to local store")
			}
			return nil
		})
	}

	app := fiber.New(fiber.Config{
		AppName:      "video-sizer " + config.GetVersion(),
		BodyLimit:    1 * 1024 * 1024, // JSON bodies only
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TaskTimeout() + 10*time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"ok":        false,
				"error":     err.Error(),
				"code":      services.ErrCodeUnknown,
				"requestId": logging.RequestID(c),
			})
		},
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key,X-Request-ID,X-Correlation-ID",
	}))
	app.Use(logging.FiberMiddleware(appLogger))

	if cfg.IsDevelopment() {
		app.Use(pprof.New())
	}

	h := handlers.New(cfg, ytdlpService, pool, breaker, rateLimiter, lifecycle, wsHub, metricsCollector, healthChecker)

	api := app.Group("/api")
	{
		// Health endpoints stay reachable while draining so load
		// balancers see the state change.
		api.Get("/health", h.HealthCheck)
		api.Get("/status", h.GetStatus)
		api.Get("/version", h.GetVersion)

		v1 := api.Group("/v1", h.RejectWhenDraining, h.TrackRequest)
		if cfg.RequireAuth {
			v1.Use(h.RequireAPIKey)
		}
		v1.Post("/size", h.RateLimit, h.EstimateSize)

		admin := v1.Group("/admin")
		admin.Post("/circuit/reset", h.ResetCircuit)
	}

	// WebSocket event feed
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHub.HandleConnection))

	lifecycle.SetAcceptor(app.ShutdownWithContext)
	lifecycle.HandleSignals()

	slog.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("environment", cfg.Environment),
		slog.String("version", config.GetVersion()),
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.String("rate_limit_backend", rateLimiter.Backend()))

	if err := app.Listen(":" + cfg.Port); err != nil {
		lifecycle.FatalError(err)
	}

	// Listen returns once the acceptor closes during shutdown; the drain
	// sequence calls os.Exit when it finishes. The sleep is a backstop in
	// case it never does.
	time.Sleep(cfg.ShutdownGrace + 30*time.Second)
	os.Exit(1)
}
