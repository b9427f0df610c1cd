package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-sizer/config"
	"video-sizer/monitoring"
	"video-sizer/pkg/logging"
	"video-sizer/services"
)

type testHarness struct {
	app       *fiber.App
	cfg       *config.Config
	pool      *services.WorkerPool
	breaker   *services.CircuitBreaker
	limiter   *services.RateLimiter
	lifecycle *services.Lifecycle
}

// newHarness wires a full app around a stubbed extractor, mirroring the
// production route layout.
func newHarness(t *testing.T, extract services.ExtractFunc, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.New()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	cfg.MaxQueueSize = 5
	cfg.MaxRetries = 0
	cfg.RateLimitMaxRequests = 100
	cfg.RateLimitWindow = time.Minute
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	pool := services.NewWorkerPool(services.WorkerPoolConfig{
		MinWorkers:   cfg.MinWorkers,
		MaxWorkers:   cfg.MaxWorkers,
		MaxQueueSize: cfg.MaxQueueSize,
		TaskTimeout:  cfg.TaskTimeout(),
	}, extract, nil)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	breaker := services.NewCircuitBreaker("test", services.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		VolumeThreshold:  cfg.CircuitVolumeThreshold,
		Timeout:          cfg.CircuitTimeout,
	}, nil)

	limiter := services.NewRateLimiter(services.RateLimiterConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
	}, nil)
	t.Cleanup(func() { limiter.Close() })

	lifecycle := services.NewLifecycle(pool, limiter, time.Second)
	lifecycle.SetExitFunc(func(int) {})

	metrics := monitoring.NewMetricsCollector()
	t.Cleanup(metrics.Stop)
	health := monitoring.NewHealthChecker()
	wsHub := services.NewWebSocketHub(nil)

	ytdlp := services.NewYtdlpService(cfg.YtdlpPath, cfg.YtdlpTimeout, cfg.YtdlpMaxBuffer)
	h := New(cfg, ytdlp, pool, breaker, limiter, lifecycle, wsHub, metrics, health)

	appLogger := logging.New("test", &logging.Config{OutputFormat: "json", Output: io.Discard})

	app := fiber.New()
	app.Use(logging.FiberMiddleware(appLogger))

	api := app.Group("/api")
	api.Get("/health", h.HealthCheck)
	api.Get("/status", h.GetStatus)
	api.Get("/version", h.GetVersion)

	v1 := api.Group("/v1", h.RejectWhenDraining, h.TrackRequest)
	if cfg.RequireAuth {
		v1.Use(h.RequireAPIKey)
	}
	v1.Post("/size", h.RateLimit, h.EstimateSize)
	v1.Post("/admin/circuit/reset", h.ResetCircuit)

	return &testHarness{app: app, cfg: cfg, pool: pool, breaker: breaker, limiter: limiter, lifecycle: lifecycle}
}

func goodExtract(ctx context.Context, task *services.Task) (*services.VideoMetadata, error) {
	return &services.VideoMetadata{
		ID:       "dQw4w9WgXcQ",
		Title:    "test",
		Duration: 212,
		Formats: []services.YtdlpFormat{
			{Vcodec: "none", Acodec: "opus", Filesize: 3_000_000},
			{Vcodec: "vp9", Acodec: "none", Height: 360, Filesize: 10_000_000},
			{Vcodec: "vp9", Acodec: "none", Height: 720, Filesize: 40_000_000},
		},
	}, nil
}

func failingExtract(code services.ErrorCode) services.ExtractFunc {
	return func(ctx context.Context, task *services.Task) (*services.VideoMetadata, error) {
		return nil, services.NewExtractError(code, "stubbed failure")
	}
}

func sizeRequestBody(t *testing.T, url string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"url": url})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func postSize(t *testing.T, app *fiber.App, body io.Reader) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 10000)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func TestEstimateSizeSuccess(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(212), body["duration"])

	sizes, ok := body["bytes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(13_000_000), sizes["360p"])
	assert.Equal(t, float64(43_000_000), sizes["720p"])

	human, ok := body["human"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, human["720p"])
}

func TestEstimateSizeInvalidURL(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://evil.example.com/watch?v=x"))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, string(services.ErrCodeInvalidURL), body["code"])
	assert.NotEmpty(t, body["requestId"])
}

func TestEstimateSizeInvalidBody(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	resp, body := postSize(t, h.app, bytes.NewReader([]byte("{not json")))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(services.ErrCodeValidation), body["code"])
}

func TestEstimateSizeErrorMapping(t *testing.T) {
	tests := []struct {
		code       services.ErrorCode
		wantStatus int
	}{
		{services.ErrCodeUnavailable, http.StatusNotFound},
		{services.ErrCodeTimeout, http.StatusGatewayTimeout},
		{services.ErrCodeNotFound, http.StatusServiceUnavailable},
		{services.ErrCodeRateLimited, http.StatusBadGateway},
		{services.ErrCodeNetworkError, http.StatusBadGateway},
		{services.ErrCodeUnknown, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			h := newHarness(t, failingExtract(tt.code), nil)

			resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, string(tt.code), body["code"])
		})
	}
}

func TestEstimateSizeCircuitOpen(t *testing.T) {
	h := newHarness(t, failingExtract(services.ErrCodeTimeout), nil)

	// Three consecutive critical failures trip the breaker.
	for i := 0; i < 3; i++ {
		postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	}

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(services.ErrCodeCircuitOpen), body["code"])
}

func TestEstimateSizeRetriesTransientFailures(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, task *services.Task) (*services.VideoMetadata, error) {
		attempts++
		if attempts == 1 {
			return nil, services.NewExtractError(services.ErrCodeNetworkError, "transient")
		}
		return goodExtract(ctx, task)
	}

	h := newHarness(t, flaky, func(c *config.Config) { c.MaxRetries = 1 })

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 2, attempts)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newHarness(t, goodExtract, func(c *config.Config) {
		c.RateLimitMaxRequests = 1
	})

	resp, _ := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(services.ErrCodeRateLimited), body["code"])
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestRateLimitSkip(t *testing.T) {
	h := newHarness(t, goodExtract, func(c *config.Config) {
		c.RateLimitMaxRequests = 1
		c.RateLimitSkip = true
	})

	for i := 0; i < 3; i++ {
		resp, _ := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestRequireAPIKey(t *testing.T) {
	h := newHarness(t, goodExtract, func(c *config.Config) {
		c.RequireAuth = true
		c.APIKey = "0123456789abcdef"
	})

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["ok"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "0123456789abcdef")
	resp2, err := h.app.Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRejectWhenDraining(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	h.lifecycle.Shutdown("test")

	resp, body := postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(services.ErrCodeShuttingDown), body["code"])
}

func TestRequestIDPropagation(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "fixed-test-id")
	resp, err := h.app.Test(req, 10000)
	require.NoError(t, err)

	assert.Equal(t, "fixed-test-id", resp.Header.Get("X-Request-ID"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "closed", body["circuit"])
	assert.Equal(t, "memory", body["limiter"])
}

func TestHealthCheckWhileDraining(t *testing.T) {
	h := newHarness(t, goodExtract, nil)
	h.lifecycle.Shutdown("test")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "worker_pool")
	assert.Contains(t, body, "circuit")
	assert.Contains(t, body, "rate_limiter")
	assert.Contains(t, body, "metrics")

	pool, ok := body["worker_pool"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), pool["completed_tasks"])
}

func TestGetVersion(t *testing.T) {
	h := newHarness(t, goodExtract, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, config.GetVersion(), body["version"])
	assert.Contains(t, body, "go_version")
}

func TestResetCircuit(t *testing.T) {
	h := newHarness(t, failingExtract(services.ErrCodeTimeout), nil)

	for i := 0; i < 3; i++ {
		postSize(t, h.app, sizeRequestBody(t, "https://youtu.be/dQw4w9WgXcQ"))
	}
	require.Equal(t, "open", h.breaker.State())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuit/reset", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "open", body["previous_state"])
	assert.Equal(t, "closed", body["state"])
}
