package services

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// LifecycleState is the coarse service state. Transitions are strictly
// monotonic: RUNNING -> DRAINING -> TERMINATED.
type LifecycleState int32

const (
	LifecycleRunning LifecycleState = iota
	LifecycleDraining
	LifecycleTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleRunning:
		return "running"
	case LifecycleDraining:
		return "draining"
	case LifecycleTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// connectionDrainTimeout bounds step two of the shutdown sequence: waiting
// for tracked inbound requests to finish before the pool drain starts.
const connectionDrainTimeout = 5 * time.Second

// Lifecycle owns ordered startup/shutdown: it stops the HTTP acceptor,
// drains in-flight connections, drains the worker pool, closes the rate
// limit backend, flushes telemetry, and exits. A second signal inside the
// drain window escalates to immediate exit.
type Lifecycle struct {
	state atomic.Int32

	mu     sync.Mutex
	active map[string]time.Time

	pool    *WorkerPool
	limiter *RateLimiter
	grace   time.Duration
	logger  *slog.Logger

	// stopAcceptor closes the HTTP acceptor and waits for its close to
	// complete, bounded by ctx.
	stopAcceptor func(ctx context.Context) error
	// flushTelemetry performs a bounded telemetry flush before exit.
	flushTelemetry func()
	// exit is os.Exit unless a test overrides it.
	exit func(code int)

	exitCode     atomic.Int32
	shutdownOnce sync.Once
}

func NewLifecycle(pool *WorkerPool, limiter *RateLimiter, grace time.Duration) *Lifecycle {
	return &Lifecycle{
		active:  make(map[string]time.Time),
		pool:    pool,
		limiter: limiter,
		grace:   grace,
		logger:  slog.Default().With(slog.String("service", "lifecycle")),
		exit:    os.Exit,
	}
}

// SetAcceptor wires the HTTP acceptor close hook.
func (l *Lifecycle) SetAcceptor(stop func(ctx context.Context) error) {
	l.stopAcceptor = stop
}

// SetTelemetryFlush wires the telemetry flush hook.
func (l *Lifecycle) SetTelemetryFlush(flush func()) {
	l.flushTelemetry = flush
}

// SetExitFunc replaces os.Exit, for embedding and tests.
func (l *Lifecycle) SetExitFunc(exit func(code int)) {
	l.exit = exit
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() LifecycleState {
	return LifecycleState(l.state.Load())
}

// IsDraining reports whether new work must be refused.
func (l *Lifecycle) IsDraining() bool {
	return l.State() != LifecycleRunning
}

// TrackRequest registers an inbound request and returns its release func.
func (l *Lifecycle) TrackRequest(id string) func() {
	l.mu.Lock()
	l.active[id] = time.Now()
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.active, id)
		l.mu.Unlock()
	}
}

// ActiveRequests returns the number of tracked inbound requests.
func (l *Lifecycle) ActiveRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// HandleSignals installs interrupt/termination handlers. The first signal
// starts a graceful shutdown; a second one forces exit.
func (l *Lifecycle) HandleSignals() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		go l.Shutdown("signal: " + sig.String())

		sig = <-sigChan
		l.logger.Error("second signal received, forcing exit", slog.String("signal", sig.String()))
		l.exit(1)
	}()
}

// FatalError runs the shutdown path for an unrecoverable error so
// telemetry captures the cause before exit.
func (l *Lifecycle) FatalError(err error) {
	l.logger.Error("fatal error, initiating shutdown", slog.String("error", err.Error()))
	l.exitCode.Store(1)
	l.Shutdown("fatal: " + err.Error())
}

// Shutdown executes the ordered drain. If the overall deadline
// (grace + slack) is exceeded at any step, the process is force-exited.
func (l *Lifecycle) Shutdown(reason string) {
	l.shutdownOnce.Do(func() {
		l.state.Store(int32(LifecycleDraining))
		l.logger.Info("shutdown initiated", slog.String("reason", reason))

		forceExit := time.AfterFunc(l.grace+connectionDrainTimeout+2*time.Second, func() {
			l.logger.Error("shutdown deadline exceeded, forcing exit")
			l.exit(1)
		})
		defer forceExit.Stop()

		// 1. Stop accepting new connections.
		if l.stopAcceptor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), connectionDrainTimeout)
			if err := l.stopAcceptor(ctx); err != nil {
				l.logger.Warn("acceptor close error", slog.String("error", err.Error()))
			}
			cancel()
		}

		// 2. Drain tracked connections.
		drainDeadline := time.Now().Add(connectionDrainTimeout)
		for time.Now().Before(drainDeadline) {
			if l.ActiveRequests() == 0 {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if n := l.ActiveRequests(); n > 0 {
			l.logger.Warn("proceeding with active connections", slog.Int("count", n))
		}

		// 3. Drain the worker pool.
		if l.pool != nil {
			if err := l.pool.Shutdown(l.grace); err != nil {
				l.logger.Warn("worker pool drain incomplete", slog.String("error", err.Error()))
			}
		}

		// 4. Close the rate limit backend.
		if l.limiter != nil {
			if err := l.limiter.Close(); err != nil {
				l.logger.Warn("rate limiter close error", slog.String("error", err.Error()))
			}
		}

		// 5. Flush telemetry.
		if l.flushTelemetry != nil {
			l.flushTelemetry()
		}

		l.state.Store(int32(LifecycleTerminated))
		l.logger.Info("shutdown complete", slog.String("reason", reason))
		l.exit(int(l.exitCode.Load()))
	})
}
