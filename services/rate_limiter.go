package services

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitResult reports one admission decision plus the accounting the
// handler needs for response headers.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiterConfig bounds each client to MaxRequests per Window.
type RateLimiterConfig struct {
	MaxRequests   int
	Window        time.Duration
	RedisEnabled  bool
	RedisURL      string
	RedisPassword string
}

const (
	limiterNamespace    = "rl:api"
	reconnectMaxRetries = 10
	reconnectMaxBackoff = 3 * time.Second
	reconnectIdlePause  = 30 * time.Second
	localPruneInterval  = time.Minute
)

// RateLimiter enforces a per-client fixed window, backed by redis when
// available so the limit holds across instances. A backend outage degrades
// to the in-process store and never rejects a request on its own.
type RateLimiter struct {
	cfg    RateLimiterConfig
	local  *localCounterStore
	events *EventHub
	logger *slog.Logger

	clientMu sync.RWMutex
	client   *redis.Client // nil when redis is disabled

	degraded     atomic.Bool
	reconnecting atomic.Bool

	allowed int64
	denied  int64
}

func NewRateLimiter(cfg RateLimiterConfig, events *EventHub) *RateLimiter {
	r := &RateLimiter{
		cfg:    cfg,
		local:  newLocalCounterStore(),
		events: events,
		logger: slog.Default().With(slog.String("service", "rate-limiter")),
	}

	if cfg.RedisEnabled {
		client, err := r.dial()
		if err != nil {
			r.logger.Warn("redis unavailable at startup, serving from local store",
				slog.String("error", err.Error()))
			r.markDegraded()
		} else {
			r.client = client
			r.logger.Info("rate limiter using redis backend")
		}
	}
	return r
}

func (r *RateLimiter) dial() (*redis.Client, error) {
	opts, err := redis.ParseURL(r.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if r.cfg.RedisPassword != "" {
		opts.Password = r.cfg.RedisPassword
	}
	if strings.HasPrefix(r.cfg.RedisURL, "rediss://") && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Allow records one request for the client key and decides admission.
// Counter state errors fall back to the local store: the limiter itself
// never rejects because its backend is down.
func (r *RateLimiter) Allow(ctx context.Context, identity string) RateLimitResult {
	key := limiterNamespace + ":" + identity

	if r.getClient() != nil && !r.degraded.Load() {
		res, err := r.allowRedis(ctx, key)
		if err == nil {
			r.count(res.Allowed)
			return res
		}
		r.logger.Warn("redis rate limit check failed, degrading to local store",
			slog.String("error", err.Error()))
		r.markDegraded()
	}

	res := r.local.allow(key, r.cfg.MaxRequests, r.cfg.Window)
	r.count(res.Allowed)
	return res
}

// allowRedis performs the atomic increment-and-TTL pair in one pipeline so
// the window boundary is consistent across instances.
func (r *RateLimiter) allowRedis(ctx context.Context, key string) (RateLimitResult, error) {
	pipe := r.getClient().TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, r.cfg.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateLimitResult{}, err
	}

	count := incr.Val()
	resetAt := time.Now().Add(r.cfg.Window)
	if d := ttl.Val(); d > 0 {
		resetAt = time.Now().Add(d)
	}

	remaining := r.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(r.cfg.MaxRequests),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (r *RateLimiter) count(allowed bool) {
	if allowed {
		atomic.AddInt64(&r.allowed, 1)
	} else {
		atomic.AddInt64(&r.denied, 1)
	}
}

// markDegraded flips to the local store and starts a single background
// reconnect loop with capped backoff.
func (r *RateLimiter) markDegraded() {
	if r.degraded.CompareAndSwap(false, true) {
		if r.events != nil {
			r.events.Publish(Event{Type: EventLimiterDegraded, Detail: "serving rate limits from local store"})
		}
	}
	if r.cfg.RedisEnabled && r.reconnecting.CompareAndSwap(false, true) {
		go r.reconnectLoop()
	}
}

// reconnectLoop retries the backend with backoff min(retries*100ms, 3s).
// After ten failed attempts it logs a hard error, pauses, and starts over:
// degradation is auto-healing, never permanent.
func (r *RateLimiter) reconnectLoop() {
	defer r.reconnecting.Store(false)

	for {
		for retries := 1; retries <= reconnectMaxRetries; retries++ {
			backoff := time.Duration(retries) * 100 * time.Millisecond
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
			time.Sleep(backoff)

			client, err := r.dial()
			if err != nil {
				r.logger.Debug("redis reconnect attempt failed",
					slog.Int("attempt", retries), slog.String("error", err.Error()))
				continue
			}

			r.setClient(client)
			r.degraded.Store(false)
			r.logger.Info("redis backend restored")
			if r.events != nil {
				r.events.Publish(Event{Type: EventLimiterRestored})
			}
			return
		}
		r.logger.Error("redis unreachable after max reconnect attempts, staying on local store",
			slog.Int("attempts", reconnectMaxRetries))
		time.Sleep(reconnectIdlePause)
	}
}

// Backend names the store currently serving decisions, surfaced in health
// output so operators can see degraded mode.
func (r *RateLimiter) Backend() string {
	if r.getClient() != nil && !r.degraded.Load() {
		return "redis"
	}
	return "memory"
}

func (r *RateLimiter) getClient() *redis.Client {
	r.clientMu.RLock()
	defer r.clientMu.RUnlock()
	return r.client
}

func (r *RateLimiter) setClient(client *redis.Client) {
	r.clientMu.Lock()
	old := r.client
	r.client = client
	r.clientMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Stats returns limiter accounting for the status endpoint.
func (r *RateLimiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      r.Backend(),
		"allowed":      atomic.LoadInt64(&r.allowed),
		"denied":       atomic.LoadInt64(&r.denied),
		"tracked_keys": r.local.size(),
		"max_requests": r.cfg.MaxRequests,
		"window_ms":    r.cfg.Window.Milliseconds(),
	}
}

// Diagnostics gathers backend details for the detailed health view.
func (r *RateLimiter) Diagnostics(ctx context.Context) map[string]interface{} {
	diag := map[string]interface{}{"backend": r.Backend()}
	client := r.getClient()
	if client == nil || r.degraded.Load() {
		return diag
	}

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		diag["ping_error"] = err.Error()
		return diag
	}
	diag["ping_ms"] = time.Since(start).Milliseconds()

	if size, err := client.DBSize(ctx).Result(); err == nil {
		diag["db_keys"] = size
	}
	if info, err := client.Info(ctx, "server").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if strings.HasPrefix(line, "redis_version:") {
				diag["redis_version"] = strings.TrimSpace(strings.TrimPrefix(line, "redis_version:"))
				break
			}
		}
	}
	return diag
}

// Close quits the backend connection gracefully.
func (r *RateLimiter) Close() error {
	r.local.stop()
	if client := r.getClient(); client != nil {
		return client.Close()
	}
	return nil
}

// localCounterStore is the in-process fixed-window fallback.
type localCounterStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	done    chan struct{}
	once    sync.Once
}

type localBucket struct {
	count    int
	deadline time.Time
}

func newLocalCounterStore() *localCounterStore {
	s := &localCounterStore{
		buckets: make(map[string]*localBucket),
		done:    make(chan struct{}),
	}
	go s.prune()
	return s
}

func (s *localCounterStore) allow(key string, max int, window time.Duration) RateLimitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.deadline) {
		b = &localBucket{deadline: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++

	remaining := max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   b.count <= max,
		Remaining: remaining,
		ResetAt:   b.deadline,
	}
}

func (s *localCounterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *localCounterStore) prune() {
	ticker := time.NewTicker(localPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, b := range s.buckets {
				if now.After(b.deadline) {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *localCounterStore) stop() {
	s.once.Do(func() { close(s.done) })
}
