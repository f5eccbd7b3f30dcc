package service

import (
	"context"
	"errors"

	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/extract"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RowWriter interface {
	Accept(ctx context.Context, def *pipeline.Definition, row *extract.Row) error
}

type PipelineLookup interface {
	Lookup(topic string) (*pipeline.Definition, error)
}

type IngestService interface {
	// Ingest routes one message to its pipeline. Messages that cannot be turned into
	// a row are counted and dropped with a nil error; only a failure to buffer the
	// row is returned.
	Ingest(ctx context.Context, topic string, value []byte) error
}

type ingestService struct {
	registry PipelineLookup
	writer   RowWriter
	metrics  *metrics.Sink
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewIngestService(registry PipelineLookup, writer RowWriter, m *metrics.Sink, logger *zap.Logger) IngestService {
	return &ingestService{
		registry: registry,
		writer:   writer,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("ingest_service"),
	}
}

func (s *ingestService) Ingest(ctx context.Context, topic string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "IngestService.Ingest")
	defer span.End()

	span.SetAttributes(attribute.String("topic", topic))

	def, err := s.registry.Lookup(topic)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnmappedTopic) {
			s.metrics.UnmappedTopic.WithLabelValues(topic).Inc()
			mylogger.Warn(ctx, s.logger, "Dropping message from unmapped topic", zap.String("topic", topic))

			return nil
		}

		return err
	}

	span.SetAttributes(attribute.String("pipeline", def.Name))

	row, err := extract.Extract(def, value)
	if err != nil {
		reason := extract.Reason(err)
		s.metrics.ExtractionErrors.WithLabelValues(def.Name, reason).Inc()

		mylogger.Warn(
			ctx,
			s.logger,
			"Discarding message",
			zap.String("pipeline", def.Name),
			zap.String("topic", topic),
			zap.String("reason", reason),
			zap.Int("size", len(value)),
			zap.Error(err),
		)

		return nil
	}

	for _, fieldErr := range row.FieldErrors {
		s.metrics.FieldCoercion.WithLabelValues(def.Name, fieldErr.Column).Inc()

		mylogger.Debug(
			ctx,
			s.logger,
			"Column nulled",
			zap.String("pipeline", def.Name),
			zap.String("column", fieldErr.Column),
			zap.String("path", fieldErr.Path),
			zap.Error(fieldErr.Err),
		)
	}

	if err := s.writer.Accept(ctx, def, row); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}
