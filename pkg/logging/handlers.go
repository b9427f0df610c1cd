package logging

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ContextualHandler adds correlation and request IDs from context so every
// record inside a request carries them without per-call plumbing.
type ContextualHandler struct {
	slog.Handler
}

func NewContextualHandler(h slog.Handler) *ContextualHandler {
	return &ContextualHandler{Handler: h}
}

func (h *ContextualHandler) Handle(ctx context.Context, r slog.Record) error {
	if corrID := ctx.Value(ContextKeyCorrelationID); corrID != nil {
		if id, ok := corrID.(string); ok && id != "" {
			r.Add("correlation_id", slog.StringValue(id))
		}
	}
	if reqID := ctx.Value(ContextKeyRequestID); reqID != nil {
		if id, ok := reqID.(string); ok && id != "" {
			r.Add("request_id", slog.StringValue(id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextualHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextualHandler) WithGroup(name string) slog.Handler {
	return &ContextualHandler{Handler: h.Handler.WithGroup(name)}
}

// SamplingHandler samples logs based on rate
type SamplingHandler struct {
	handler slog.Handler
	rate    float64
	counter uint64
	mu      sync.RWMutex
	rand    *rand.Rand
}

func NewSamplingHandler(handler slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{
		handler: handler,
		rate:    rate,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, record slog.Record) error {
	count := atomic.AddUint64(&h.counter, 1)

	h.mu.RLock()
	shouldLog := h.rand.Float64() < h.rate
	rate := h.rate
	h.mu.RUnlock()

	if !shouldLog {
		return nil
	}

	record.Add("sample_rate", slog.Float64Value(rate))
	record.Add("sample_count", slog.Uint64Value(count))

	return h.handler.Handle(ctx, record)
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{
		handler: h.handler.WithAttrs(attrs),
		rate:    h.rate,
		rand:    h.rand,
	}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{
		handler: h.handler.WithGroup(name),
		rate:    h.rate,
		rand:    h.rand,
	}
}
