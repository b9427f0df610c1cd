package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg CircuitBreakerConfig) *CircuitBreaker {
	t.Helper()
	return NewCircuitBreaker("test", cfg, nil)
}

func failWith(code ErrorCode) func(context.Context) error {
	return func(context.Context) error {
		return NewExtractError(code, "boom")
	}
}

func succeed(context.Context) error { return nil }

func TestCircuitBreakerStaysClosedBelowVolume(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 3,
		VolumeThreshold:  10,
		Timeout:          time.Minute,
	})

	// Plenty of non-critical failures, but under the volume gate.
	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), failWith(ErrCodeUnavailable))
		require.Error(t, err)
	}

	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerOpensAtFailureThreshold(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 3,
		VolumeThreshold:  5,
		Timeout:          time.Minute,
	})

	// Meet the volume gate with successes first.
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Execute(context.Background(), succeed))
	}
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeUnavailable))
	}

	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreakerCriticalFastPath(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 100,
		VolumeThreshold:  100,
		Timeout:          time.Minute,
	})

	// Three consecutive critical failures trip regardless of volume.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	}

	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreakerNonCriticalResetsCriticalStreak(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 100,
		VolumeThreshold:  100,
		Timeout:          time.Minute,
	})

	_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	_ = cb.Execute(context.Background(), failWith(ErrCodeUnavailable)) // breaks the streak
	_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))

	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerOpenRejectsWithoutCallingFn(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 1,
		VolumeThreshold:  1,
		Timeout:          time.Minute,
	})

	_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	require.Equal(t, "open", cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Equal(t, ErrCodeCircuitOpen, CodeOf(err))
	assert.Equal(t, int64(1), cb.GetStatus().TotalRejected)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		VolumeThreshold:  1,
		Timeout:          20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	}
	require.Equal(t, "open", cb.State())

	time.Sleep(30 * time.Millisecond)

	// First probe moves to half-open; two successes close it.
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, "half-open", cb.State())
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		VolumeThreshold:  1,
		Timeout:          20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	}
	require.Equal(t, "open", cb.State())

	time.Sleep(30 * time.Millisecond)

	// Any failure while probing reopens and restarts the cooldown.
	_ = cb.Execute(context.Background(), failWith(ErrCodeUnavailable))
	assert.Equal(t, "open", cb.State())

	err := cb.Execute(context.Background(), succeed)
	assert.Equal(t, ErrCodeCircuitOpen, CodeOf(err))
}

func TestCircuitBreakerIgnoresBackpressureCodes(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 1,
		VolumeThreshold:  1,
		Timeout:          time.Minute,
	})

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeQueueFull))
	}
	assert.Equal(t, "closed", cb.State())
	assert.Equal(t, int64(0), cb.GetStatus().TotalFailures)
}

func TestCircuitBreakerIgnoresClientCancellations(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		Timeout:          time.Minute,
	})

	// Abandoned requests say nothing about upstream health, whether they
	// surface as a coded error or a bare context.Canceled.
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeClientClosed))
	}
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return context.Canceled
		})
	}
	assert.Equal(t, "closed", cb.State())
	assert.Equal(t, int64(0), cb.GetStatus().TotalFailures)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		FailureThreshold: 1,
		VolumeThreshold:  1,
		Timeout:          time.Hour,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	}
	require.Equal(t, "open", cb.State())

	cb.Reset()
	assert.Equal(t, "closed", cb.State())
	require.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreakerPublishesStateChanges(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe(8)
	defer cancel()

	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		VolumeThreshold:  1,
		Timeout:          time.Minute,
	}, hub)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(ErrCodeTimeout))
	}

	select {
	case ev := <-ch:
		assert.Equal(t, EventCircuitStateChange, ev.Type)
		assert.Equal(t, "closed", ev.From)
		assert.Equal(t, "open", ev.To)
	case <-time.After(time.Second):
		t.Fatal("no circuit event published")
	}
}
