package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server Configuration
	Port        string
	Environment string // development, staging, production, test

	// Authentication
	RequireAuth bool
	APIKey      string

	// CORS
	AllowedOrigins string // "*" or comma-separated origin list

	// Redis (distributed rate-limit backend)
	RedisEnabled  bool
	RedisURL      string
	RedisPassword string

	// Rate Limiting
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RateLimitSkip        bool // explicit dev-only bypass, never inferred

	// Worker Pool
	MinWorkers        int
	MaxWorkers        int
	MaxQueueSize      int
	MaxTasksPerWorker int
	WorkerIdle        time.Duration
	WarmUp            bool

	// yt-dlp Subprocess
	YtdlpPath      string
	YtdlpTimeout   time.Duration
	YtdlpMaxBuffer int64

	// TaskBuffer is added to the subprocess timeout to get the task timeout,
	// so the pool deadline never fires before the subprocess deadline.
	TaskBuffer time.Duration

	// Circuit Breaker
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration
	CircuitVolumeThreshold  int

	// Retry policy for transient extraction failures
	MaxRetries int

	// Shutdown
	ShutdownGrace time.Duration
}

func New() *Config {
	requireAuth, _ := strconv.ParseBool(getEnv("REQUIRE_AUTH", "false"))
	redisEnabled, _ := strconv.ParseBool(getEnv("REDIS_ENABLED", "false"))
	rateLimitSkip, _ := strconv.ParseBool(getEnv("RATE_LIMIT_SKIP", "false"))
	warmUp, _ := strconv.ParseBool(getEnv("WARM_UP", "true"))

	rateLimitWindowMs, _ := strconv.Atoi(getEnv("RATE_LIMIT_WINDOW_MS", "60000"))
	rateLimitMax, _ := strconv.Atoi(getEnv("RATE_LIMIT_MAX_REQUESTS", "30"))

	minWorkers, _ := strconv.Atoi(getEnv("MIN_WORKERS", "2"))
	maxWorkers, _ := strconv.Atoi(getEnv("MAX_WORKERS", "0"))
	maxQueueSize, _ := strconv.Atoi(getEnv("MAX_QUEUE_SIZE", "50"))
	maxTasksPerWorker, _ := strconv.Atoi(getEnv("MAX_TASKS_PER_WORKER", "100"))
	workerIdleMs, _ := strconv.Atoi(getEnv("WORKER_IDLE_MS", "60000"))

	ytdlpTimeoutMs, _ := strconv.Atoi(getEnv("YTDLP_TIMEOUT", "30000"))
	ytdlpMaxBuffer, _ := strconv.ParseInt(getEnv("YTDLP_MAX_BUFFER", "10485760"), 10, 64) // 10MB
	taskBufferMs, _ := strconv.Atoi(getEnv("TASK_BUFFER_MS", "5000"))

	failureThreshold, _ := strconv.Atoi(getEnv("CIRCUIT_FAILURE_THRESHOLD", "5"))
	successThreshold, _ := strconv.Atoi(getEnv("CIRCUIT_SUCCESS_THRESHOLD", "2"))
	circuitTimeoutMs, _ := strconv.Atoi(getEnv("CIRCUIT_TIMEOUT_MS", "60000"))
	volumeThreshold, _ := strconv.Atoi(getEnv("CIRCUIT_VOLUME_THRESHOLD", "10"))

	maxRetries, _ := strconv.Atoi(getEnv("MAX_RETRIES", "0"))
	shutdownGraceMs, _ := strconv.Atoi(getEnv("SHUTDOWN_GRACE_MS", "30000"))

	// Default worker ceiling tracks the host: leave one core for the
	// accept loop, subprocesses do the heavy lifting anyway.
	if maxWorkers <= 0 {
		cpuCount := runtime.NumCPU()
		switch {
		case cpuCount <= 2:
			maxWorkers = cpuCount
		default:
			maxWorkers = cpuCount - 1
		}
	}

	return &Config{
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENV", "production"),

		RequireAuth: requireAuth,
		APIKey:      getEnv("API_KEY", ""),

		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		RedisEnabled:  redisEnabled,
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		RateLimitWindow:      time.Duration(rateLimitWindowMs) * time.Millisecond,
		RateLimitMaxRequests: rateLimitMax,
		RateLimitSkip:        rateLimitSkip,

		MinWorkers:        minWorkers,
		MaxWorkers:        maxWorkers,
		MaxQueueSize:      maxQueueSize,
		MaxTasksPerWorker: maxTasksPerWorker,
		WorkerIdle:        time.Duration(workerIdleMs) * time.Millisecond,
		WarmUp:            warmUp,

		YtdlpPath:      getEnv("YTDLP_PATH", "yt-dlp"),
		YtdlpTimeout:   time.Duration(ytdlpTimeoutMs) * time.Millisecond,
		YtdlpMaxBuffer: ytdlpMaxBuffer,
		TaskBuffer:     time.Duration(taskBufferMs) * time.Millisecond,

		CircuitFailureThreshold: failureThreshold,
		CircuitSuccessThreshold: successThreshold,
		CircuitTimeout:          time.Duration(circuitTimeoutMs) * time.Millisecond,
		CircuitVolumeThreshold:  volumeThreshold,

		MaxRetries:    maxRetries,
		ShutdownGrace: time.Duration(shutdownGraceMs) * time.Millisecond,
	}
}

// TaskTimeout is the per-task deadline armed by the worker pool. It exceeds
// the subprocess deadline so a hung worker, not a slow video, triggers it.
func (c *Config) TaskTimeout() time.Duration {
	return c.YtdlpTimeout + c.TaskBuffer
}

// Validate rejects configurations that must fail at startup rather than at
// first request.
func (c *Config) Validate() error {
	if c.RequireAuth && len(c.APIKey) < 16 {
		return fmt.Errorf("REQUIRE_AUTH is enabled but API_KEY is missing or shorter than 16 characters")
	}
	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS (%d) must be >= MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.YtdlpTimeout <= 0 {
		return fmt.Errorf("YTDLP_TIMEOUT must be positive")
	}
	if c.YtdlpMaxBuffer <= 0 {
		return fmt.Errorf("YTDLP_MAX_BUFFER must be positive")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMaxRequests < 1 {
		return fmt.Errorf("invalid rate limit configuration: window=%v max=%d", c.RateLimitWindow, c.RateLimitMaxRequests)
	}
	if c.RedisEnabled && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("REDIS_URL must use redis:// or rediss:// scheme, got %q", c.RedisURL)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 2 {
		return fmt.Errorf("MAX_RETRIES must be between 0 and 2, got %d", c.MaxRetries)
	}
	return nil
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
