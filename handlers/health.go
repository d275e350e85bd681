package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck is one dependency probe. It returns nil when healthy.
type HealthCheck func(ctx context.Context) error

// HandleCheckHealth reports ok when every probe passes, 503 otherwise.
func HandleCheckHealth(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		status := "ok"
		results := make(fiber.Map, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = "degraded"
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		code := fiber.StatusOK
		if status != "ok" {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
	}
}
