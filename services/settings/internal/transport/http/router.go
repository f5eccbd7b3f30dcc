package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/transport/http/handler"
)

type Handlers struct {
	Settings *handler.SettingsHandler
}

// CommandLimit caps settings changes per device. Zero Max disables it.
type CommandLimit struct {
	Max    int
	Window time.Duration
}

func RegisterRoutes(app *fiber.App, h *Handlers, limit CommandLimit, gatherer prometheus.Gatherer) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")

	settings := api.Group("/settings")
	settings.Get("/", h.Settings.List)
	settings.Get("/:device_id", h.Settings.Get)
	if limit.Max > 0 {
		settings.Patch("/:device_id", newCommandLimiter(limit), h.Settings.Update)
	} else {
		settings.Patch("/:device_id", h.Settings.Update)
	}

	outbox := api.Group("/outbox")
	outbox.Get("/:id", h.Settings.GetCommand)
	outbox.Post("/:id/confirm", h.Settings.ConfirmCommand)
}

func newCommandLimiter(limit CommandLimit) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        limit.Max,
		Expiration: limit.Window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.Params("device_id")
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many setting changes for this device, try again later",
			})
		},
	})
}
