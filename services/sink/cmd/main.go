package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sakashimaa/go-telemetry-sink/pkg/config"
	"github.com/sakashimaa/go-telemetry-sink/pkg/db"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/aggregate"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/repository"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/service"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/transport/http"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/transport/http/handler"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/transport/kafka"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/writer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad()

	logger, err := config.NewLogger(cfg.LoggerConfig())
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := utils.InitTracer(ctx, utils.TracerConfig{
			ServiceName: "telemetry-sink",
			Endpoint:    cfg.Tracing.Endpoint,
			Env:         cfg.Env,
		})
		if err != nil {
			log.Fatalf("failed to init tracer: %v", err)
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				mylogger.Warn(ctx, logger, "Failed to shut down telemetry", zap.Error(err))
			}
		}()
	}

	registry, err := pipeline.LoadFile(cfg.Sink.PipelinesPath)
	if err != nil {
		log.Fatalf("failed to load pipelines: %v", err)
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinkMetrics := metrics.NewSink(promRegistry)

	telemetryRepo := repository.NewTelemetryRepository(pool, logger)
	bucketRepo := repository.NewBucketRepository(pool, logger)

	batchWriter := writer.NewBatchWriter(
		registry.Pipelines(),
		telemetryRepo,
		sinkMetrics,
		writer.Options{
			BatchSize:    cfg.Sink.BatchSize,
			Linger:       cfg.Sink.Linger,
			QueueSize:    cfg.Sink.QueueSize,
			MaxAttempts:  cfg.Sink.MaxWriteAttempts,
			RetryInitial: cfg.Sink.RetryInitial,
			RetryMax:     cfg.Sink.RetryMax,
		},
		logger,
	)

	ingestService := service.NewIngestService(registry, batchWriter, sinkMetrics, logger)
	consumer := kafka.NewConsumer(ingestService, logger)

	refresher := aggregate.NewRefresher(bucketRepo, registry.Counters(), cfg.Aggregates.RefreshInterval, sinkMetrics, logger)
	reader := aggregate.NewReader(registry, bucketRepo)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTP.Timeout,
		WriteTimeout: cfg.HTTP.Timeout,
	})
	app.Use(otelfiber.Middleware())

	http.RegisterRoutes(app, &http.Handlers{
		Aggregate: handler.NewAggregateHandler(reader, logger),
	}, promRegistry)

	mylogger.Info(
		ctx,
		logger,
		"Starting telemetry sink",
		zap.Strings("topics", registry.Topics()),
		zap.Int("pipelines", len(registry.Pipelines())),
		zap.Int("counter_series", len(registry.Counters())),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Start(gCtx, cfg.Kafka.Brokers, cfg.Kafka.GroupID, registry.Topics())
	})

	if len(registry.Counters()) > 0 {
		g.Go(func() error {
			refresher.Start(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		mylogger.Info(gCtx, logger, "HTTP server listening", zap.String("port", cfg.HTTP.Port))
		return app.Listen(cfg.HTTP.Port)
	})

	g.Go(func() error {
		<-gCtx.Done()

		mylogger.Info(context.Background(), logger, "Shutting down telemetry sink")
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mylogger.Error(context.Background(), logger, "Telemetry sink stopped with error", zap.Error(err))
	}

	// the consumer has returned, so no more rows can be accepted
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Sink.ShutdownGrace)
	defer cancel()

	if err := batchWriter.Close(graceCtx); err != nil {
		mylogger.Warn(graceCtx, logger, "Shutdown grace period expired, buffered rows dropped", zap.Error(err))
	} else {
		mylogger.Info(graceCtx, logger, "Flushed buffered rows")
	}
}
