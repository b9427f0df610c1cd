package handlers

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"video-sizer/pkg/logging"
)

// ResetCircuit forces the breaker back to closed. Operator escape hatch for
// when the upstream has recovered but the cooldown has not elapsed.
func (h *Handlers) ResetCircuit(c *fiber.Ctx) error {
	before := h.breaker.State()
	h.breaker.Reset()

	h.logger.Info("circuit breaker manually reset",
		slog.String("request_id", logging.RequestID(c)),
		slog.String("previous_state", before),
		slog.String("ip", c.IP()))

	return c.JSON(fiber.Map{
		"ok":             true,
		"previous_state": before,
		"state":          h.breaker.State(),
	})
}
