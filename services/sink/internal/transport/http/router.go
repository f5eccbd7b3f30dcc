package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/transport/http/handler"
)

type Handlers struct {
	Aggregate *handler.AggregateHandler
}

func RegisterRoutes(app *fiber.App, h *Handlers, gatherer prometheus.Gatherer) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")

	aggregates := api.Group("/aggregates")
	aggregates.Get("/:series/buckets", h.Aggregate.ListBuckets)
}
