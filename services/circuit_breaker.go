package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int32

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Failing, reject requests
	StateHalfOpen                     // Testing if upstream recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// criticalTripCount is the fast path: this many consecutive critical
// failures (timeout, binary missing, upstream 429, network) force the
// circuit open regardless of request volume.
const criticalTripCount = 3

// CircuitBreakerConfig holds the breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	VolumeThreshold  int           `json:"volume_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// CircuitBreaker fails fast when the upstream (yt-dlp + YouTube) is
// unhealthy. All state mutations are serialized behind one mutex so
// threshold evaluation is race-free; the wrapped operation itself runs
// outside the lock.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	failures            int
	successes           int
	requests            int // requests admitted since last state entry
	consecutiveCritical int
	nextAttempt         time.Time
	lastStateChange     time.Time

	// Cumulative, never reset
	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	events *EventHub
	logger *slog.Logger
}

// CircuitStatus is a consistent snapshot for health and admin output.
type CircuitStatus struct {
	Name            string               `json:"name"`
	State           string               `json:"state"`
	Failures        int                  `json:"failures"`
	Successes       int                  `json:"successes"`
	Requests        int                  `json:"requests"`
	NextAttempt     time.Time            `json:"next_attempt,omitempty"`
	LastStateChange time.Time            `json:"last_state_change"`
	TotalRequests   int64                `json:"total_requests"`
	TotalSuccesses  int64                `json:"total_successes"`
	TotalFailures   int64                `json:"total_failures"`
	TotalRejected   int64                `json:"total_rejected"`
	Config          CircuitBreakerConfig `json:"config"`
}

// NewCircuitBreaker creates a circuit breaker protecting the extraction path.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, events *EventHub) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		events:          events,
		logger:          slog.Default().With(slog.String("service", "circuit"), slog.String("name", name)),
	}
}

// Execute runs fn under circuit protection. Failures from fn are re-raised
// unmodified so retry and telemetry see the original code; CIRCUIT_OPEN is
// synthesized locally when admission is denied.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		code := CodeOf(err)
		if code == ErrCodeQueueFull || code == ErrCodeShuttingDown {
			// Local backpressure, not evidence about upstream health.
			return err
		}
		if code == ErrCodeClientClosed || errors.Is(err, context.Canceled) {
			// The caller went away; the upstream was never observed.
			return err
		}
		cb.recordFailure(code)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.nextAttempt) {
			cb.totalRejected++
			return NewExtractError(ErrCodeCircuitOpen, "circuit breaker is open, upstream unhealthy")
		}
		// Cooldown elapsed: this admission moves us to half-open.
		cb.transitionLocked(StateHalfOpen)
	case StateHalfOpen, StateClosed:
	}

	cb.requests++
	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
		cb.consecutiveCritical = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(code ErrorCode) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++

	switch cb.state {
	case StateClosed:
		cb.failures++
		if code.IsCritical() {
			cb.consecutiveCritical++
		} else {
			cb.consecutiveCritical = 0
		}

		if cb.consecutiveCritical >= criticalTripCount {
			cb.transitionLocked(StateOpen)
			return
		}
		if cb.requests >= cb.cfg.VolumeThreshold && cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens and restarts the cooldown.
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked moves the state machine and applies the state-entry
// resets. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	now := time.Now()
	cb.lastStateChange = now

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.requests = 0
		cb.consecutiveCritical = 0
	case StateOpen:
		cb.nextAttempt = now.Add(cb.cfg.Timeout)
		cb.successes = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.successes = 0
	}

	cb.logger.Info("circuit state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if cb.events != nil {
		cb.events.Publish(Event{
			Type: EventCircuitStateChange,
			Time: now,
			From: from.String(),
			To:   to.String(),
		})
	}
}

// GetStatus returns a consistent snapshot of the breaker.
func (cb *CircuitBreaker) GetStatus() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status := CircuitStatus{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		Requests:        cb.requests,
		LastStateChange: cb.lastStateChange,
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		Config:          cb.cfg,
	}
	if cb.state == StateOpen {
		status.NextAttempt = cb.nextAttempt
	}
	return status
}

// State returns the current state label.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker closed and clears counters. Operator escape
// hatch behind the admin endpoint.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
	cb.consecutiveCritical = 0
}
