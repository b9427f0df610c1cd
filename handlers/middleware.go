package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"video-sizer/pkg/logging"
	"video-sizer/services"
)

// RequireAPIKey rejects requests whose X-API-Key header does not match the
// configured key. Mounted only when auth is enabled.
func (h *Handlers) RequireAPIKey(c *fiber.Ctx) error {
	key := c.Get("X-API-Key")
	if key == "" || key != h.config.APIKey {
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid or missing API key", services.ErrCodeValidation)
	}
	return c.Next()
}

// RejectWhenDraining fails fast once shutdown has begun so the drain window
// is not extended by new work.
func (h *Handlers) RejectWhenDraining(c *fiber.Ctx) error {
	if h.lifecycle.IsDraining() {
		return errorResponse(c, fiber.StatusServiceUnavailable, "Service is shutting down", services.ErrCodeShuttingDown)
	}
	return c.Next()
}

// TrackRequest registers the request with the lifecycle controller so
// shutdown waits for it to finish.
func (h *Handlers) TrackRequest(c *fiber.Ctx) error {
	release := h.lifecycle.TrackRequest(logging.RequestID(c))
	defer release()
	return c.Next()
}

// RateLimit enforces the per-client window. Clients are keyed by API key
// when auth is on, by remote IP otherwise, so all of one key's traffic
// shares a budget regardless of source address.
func (h *Handlers) RateLimit(c *fiber.Ctx) error {
	if h.config.RateLimitSkip {
		return c.Next()
	}

	identity := c.IP()
	if h.config.RequireAuth {
		if key := c.Get("X-API-Key"); key != "" {
			identity = key
		}
	}

	res := h.limiter.Allow(c.Context(), identity)
	c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if !res.Allowed {
		h.metrics.RecordError()
		return errorResponse(c, fiber.StatusTooManyRequests, "Too many requests, please try again later.", services.ErrCodeRateLimited)
	}
	return c.Next()
}
