package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// FiberMiddleware threads a correlation id through the request: the
// inbound X-Request-ID is echoed (or generated), set on the response, and
// injected into the request context so every log record carries it.
func FiberMiddleware(logger *ServiceLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		correlationID := c.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("X-Correlation-ID", correlationID)
		c.Set("X-Request-ID", requestID)

		ctx := context.WithValue(c.UserContext(), ContextKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, ContextKeyRequestID, requestID)
		c.SetUserContext(ctx)

		reqLogger := logger.With(
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.String("request_id", requestID),
		)
		c.Locals("logger", reqLogger)
		c.Locals("request_id", requestID)
		c.Locals("correlation_id", correlationID)

		err := c.Next()

		logger.LogRequest(ctx, c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start))
		return err
	}
}

// RequestID returns the id assigned by FiberMiddleware, or empty.
func RequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}
