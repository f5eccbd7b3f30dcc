package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/aggregate"
	"go.uber.org/zap"
)

type BucketReader interface {
	Buckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error)
}

type AggregateHandler struct {
	reader BucketReader
	logger *zap.Logger
	now    func() time.Time
}

func NewAggregateHandler(reader BucketReader, logger *zap.Logger) *AggregateHandler {
	return &AggregateHandler{
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

type bucketsQuery struct {
	Grain         string `query:"grain"`
	From          string `query:"from"`
	To            string `query:"to"`
	Key           string `query:"key"`
	RollupFrom    string `query:"rollup_from"`
	ExcludeResets bool   `query:"exclude_resets"`
}

// ListBuckets serves GET /api/v1/aggregates/:series/buckets. Without from/to it
// returns the last 24 hours.
func (h *AggregateHandler) ListBuckets(c *fiber.Ctx) error {
	input := new(bucketsQuery)
	if err := c.QueryParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing query",
		})
	}

	q := aggregate.Query{
		Series:        c.Params("series"),
		Key:           input.Key,
		ExcludeResets: input.ExcludeResets,
	}

	grain := input.Grain
	if grain == "" {
		grain = string(aggregate.GrainHour)
	}

	var err error
	if q.Grain, err = aggregate.ParseGrain(grain); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if input.RollupFrom != "" {
		if q.RollupFrom, err = aggregate.ParseGrain(input.RollupFrom); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	now := h.now()
	if q.From, err = parseTime(input.From, now.Add(-24*time.Hour)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "from must be RFC3339"})
	}
	if q.To, err = parseTime(input.To, now); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "to must be RFC3339"})
	}

	buckets, err := h.reader.Buckets(c.UserContext(), q)
	if err != nil {
		switch {
		case errors.Is(err, aggregate.ErrUnknownSeries):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, aggregate.ErrGrainNotTracked), errors.Is(err, aggregate.ErrInvalidRange):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		mylogger.Error(
			c.UserContext(),
			h.logger,
			"list buckets failed",
			zap.String("series", q.Series),
			zap.String("grain", string(q.Grain)),
			zap.Error(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
		})
	}

	if buckets == nil {
		buckets = []aggregate.Bucket{}
	}

	return c.JSON(fiber.Map{
		"series":  q.Series,
		"grain":   q.Grain,
		"buckets": buckets,
	})
}

func parseTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}

	return time.Parse(time.RFC3339, value)
}
