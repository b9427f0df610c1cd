package handlers

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"

	"video-sizer/config"
	"video-sizer/monitoring"
	"video-sizer/pkg/logging"
	"video-sizer/services"
)

const (
	retryBaseDelay  = time.Second
	retryMaxDelay   = 5 * time.Second
	maxDurationHint = 86400 // 24h, sanity cap on client-supplied duration
)

type Handlers struct {
	config    *config.Config
	ytdlp     *services.YtdlpService
	pool      *services.WorkerPool
	breaker   *services.CircuitBreaker
	limiter   *services.RateLimiter
	lifecycle *services.Lifecycle
	wsHub     *services.WebSocketHub
	metrics   *monitoring.MetricsCollector
	health    *monitoring.HealthChecker
	logger    *slog.Logger
	startTime time.Time
}

func New(
	cfg *config.Config,
	ytdlp *services.YtdlpService,
	pool *services.WorkerPool,
	breaker *services.CircuitBreaker,
	limiter *services.RateLimiter,
	lifecycle *services.Lifecycle,
	wsHub *services.WebSocketHub,
	metrics *monitoring.MetricsCollector,
	health *monitoring.HealthChecker,
) *Handlers {
	return &Handlers{
		config:    cfg,
		ytdlp:     ytdlp,
		pool:      pool,
		breaker:   breaker,
		limiter:   limiter,
		lifecycle: lifecycle,
		wsHub:     wsHub,
		metrics:   metrics,
		health:    health,
		logger:    slog.Default().With(slog.String("component", "handlers")),
		startTime: time.Now(),
	}
}

// sizeRequest is the body of POST /api/v1/size.
type sizeRequest struct {
	URL          string `json:"url"`
	DurationHint int    `json:"duration_hint,omitempty"`
	Cookies      string `json:"cookies,omitempty"`
}

// EstimateSize validates the URL, runs the extraction through the circuit
// breaker and worker pool with bounded retries, and returns per-resolution
// size estimates.
func (h *Handlers) EstimateSize(c *fiber.Ctx) error {
	h.metrics.RecordRequest()

	var req sizeRequest
	if err := c.BodyParser(&req); err != nil {
		h.metrics.RecordError()
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", services.ErrCodeValidation)
	}
	if err := services.ValidateVideoURL(req.URL); err != nil {
		h.metrics.RecordError()
		return h.errorFrom(c, err)
	}
	if req.DurationHint < 0 || req.DurationHint > maxDurationHint {
		h.metrics.RecordError()
		return errorResponse(c, fiber.StatusBadRequest, "duration_hint out of range", services.ErrCodeValidation)
	}

	start := time.Now()
	meta, err := h.extractWithRetry(c.Context(), req.URL, req.Cookies)
	if err != nil {
		h.metrics.RecordError()
		h.logger.Warn("size estimation failed",
			slog.String("request_id", logging.RequestID(c)),
			slog.String("code", string(services.CodeOf(err))),
			slog.String("error", err.Error()))
		return h.errorFrom(c, err)
	}
	h.metrics.RecordExtraction(time.Since(start))

	est := services.ComputeSizes(meta, req.DurationHint)
	return c.JSON(fiber.Map{
		"ok":       true,
		"bytes":    est.Bytes,
		"human":    est.Human,
		"duration": est.Duration,
	})
}

// extractWithRetry drives the attempt loop: each attempt goes through the
// breaker into the pool, and only transient codes are retried, with
// exponential backoff capped at retryMaxDelay. Backpressure rejections
// (CIRCUIT_OPEN, QUEUE_FULL, SHUTTING_DOWN) surface immediately.
func (h *Handlers) extractWithRetry(ctx context.Context, url, cookies string) (*services.VideoMetadata, error) {
	var meta *services.VideoMetadata
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Min(
				float64(retryBaseDelay)*math.Pow(2, float64(attempt)),
				float64(retryMaxDelay),
			))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, services.NewExtractError(services.ErrCodeTimeout, "client gave up while waiting to retry").WithCause(ctx.Err())
			}
		}

		err := h.breaker.Execute(ctx, func(ctx context.Context) error {
			task := services.NewTask(url, cookies, attempt)
			m, err := h.pool.Execute(ctx, task)
			if err != nil {
				return err
			}
			meta = m
			return nil
		})
		if err == nil {
			return meta, nil
		}
		lastErr = err

		if !services.CodeOf(err).IsRetryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// errorFrom maps a pipeline error code to an HTTP status and uniform body.
func (h *Handlers) errorFrom(c *fiber.Ctx, err error) error {
	code := services.CodeOf(err)

	var status int
	switch code {
	case services.ErrCodeInvalidURL, services.ErrCodeValidation:
		status = fiber.StatusBadRequest
	case services.ErrCodeUnavailable:
		status = fiber.StatusNotFound
	case services.ErrCodeTimeout:
		status = fiber.StatusGatewayTimeout
	case services.ErrCodeCircuitOpen, services.ErrCodeQueueFull, services.ErrCodeShuttingDown, services.ErrCodeNotFound:
		status = fiber.StatusServiceUnavailable
	default:
		// upstream trouble we cannot do anything about (network, yt-dlp
		// rate limiting, worker crash)
		status = fiber.StatusBadGateway
	}

	return errorResponse(c, status, err.Error(), code)
}

// errorResponse writes the uniform error body shared by all endpoints.
func errorResponse(c *fiber.Ctx, status int, message string, code services.ErrorCode) error {
	return c.Status(status).JSON(fiber.Map{
		"ok":        false,
		"error":     message,
		"code":      code,
		"requestId": logging.RequestID(c),
	})
}

// HealthCheck runs the registered dependency checks and reports pipeline
// health. Degraded dependencies (redis down, circuit open) report 200 with
// healthy=false detail; only a draining service returns 503 so load
// balancers stop routing to it.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	healthy, checks := h.health.RunChecks()

	status := fiber.StatusOK
	if h.lifecycle.State() != services.LifecycleRunning {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":    h.lifecycle.State().String(),
		"healthy":   healthy,
		"checks":    checks,
		"circuit":   h.breaker.State(),
		"limiter":   h.limiter.Backend(),
		"uptime":    int64(time.Since(h.startTime).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStatus returns the full operational snapshot: pool, breaker, limiter,
// lifecycle, and system metrics.
func (h *Handlers) GetStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	return c.JSON(fiber.Map{
		"state":        h.lifecycle.State().String(),
		"extractor":    fiber.Map{"binary_ok": h.ytdlp.CheckBinary() == nil},
		"worker_pool":  h.pool.GetStats(),
		"circuit":      h.breaker.GetStatus(),
		"rate_limiter": h.limiter.Diagnostics(ctx),
		"metrics":      h.metrics.Snapshot(),
		"websocket":    fiber.Map{"clients": h.wsHub.ClientCount()},
		"environment":  h.config.Environment,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetVersion returns build info for deploy verification.
func (h *Handlers) GetVersion(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version":    config.GetVersion(),
		"build_time": config.BuildTime,
		"git_commit": config.GitCommit,
		"go_version": runtime.Version(),
	})
}
