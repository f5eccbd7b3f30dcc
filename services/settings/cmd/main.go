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
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/go-telemetry-sink/pkg/config"
	"github.com/sakashimaa/go-telemetry-sink/pkg/db"
	kafka2 "github.com/sakashimaa/go-telemetry-sink/pkg/kafka"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	outboxRepository "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/repository"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/worker"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/service"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/transport/http"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/transport/http/handler"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/transport/kafka"
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
			ServiceName: "settings-service",
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

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	defer func() {
		_ = rdb.Close()
	}()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	kafkaProducer, err := kafka2.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			mylogger.Warn(context.Background(), logger, "Failed to close kafka producer", zap.Error(err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	outboxMetrics := metrics.NewOutbox(promRegistry)

	settingsRepo := repository.NewSettingsRepository(pool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)

	settingsService := service.NewCachedSettingsService(
		service.NewSettingsService(pool, settingsRepo, outboxRepo, cfg.Outbox.MaxRetries, outboxMetrics, logger),
		rdb,
		cfg.Redis.CacheTTL,
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTP.Timeout,
		WriteTimeout: cfg.HTTP.Timeout,
	})
	app.Use(otelfiber.Middleware())

	http.RegisterRoutes(app, &http.Handlers{
		Settings: handler.NewSettingsHandler(settingsService, logger),
	}, http.CommandLimit{
		Max:    cfg.HTTP.CommandRateMax,
		Window: cfg.HTTP.CommandRateWindow,
	}, promRegistry)

	g, gCtx := errgroup.WithContext(ctx)

	workers := max(cfg.Outbox.Workers, 1)
	for range workers {
		processor := worker.NewOutboxProcessor(pool, outboxRepo, kafkaProducer, outboxMetrics, worker.Options{
			BatchSize:       cfg.Outbox.BatchSize,
			PollInterval:    cfg.Outbox.PollInterval,
			MaxPollInterval: cfg.Outbox.MaxPollInterval,
			ConfirmTimeout:  cfg.Outbox.ConfirmTimeout,
			DefaultTopic:    cfg.Outbox.DefaultTopic,
			Topics:          cfg.Outbox.Topics,
		}, logger)

		g.Go(func() error {
			processor.Start(gCtx)
			return nil
		})
	}

	if len(cfg.Confirmation.Topics) > 0 {
		confirmations := kafka.NewConfirmationConsumer(
			service.NewConfirmationService(outboxRepo, cfg.Confirmation.DeviceIDPath, outboxMetrics, logger),
			logger,
		)

		g.Go(func() error {
			return confirmations.Start(gCtx, cfg.Kafka.Brokers, cfg.Confirmation.GroupID, cfg.Confirmation.Topics)
		})
	} else {
		mylogger.Info(ctx, logger, "No confirmation topics configured, commands are confirmed over HTTP only")
	}

	mylogger.Info(
		ctx,
		logger,
		"Starting settings service",
		zap.Int("outbox_workers", workers),
		zap.String("default_topic", cfg.Outbox.DefaultTopic),
	)

	g.Go(func() error {
		mylogger.Info(gCtx, logger, "HTTP server listening", zap.String("port", cfg.HTTP.Port))
		return app.Listen(cfg.HTTP.Port)
	})

	g.Go(func() error {
		<-gCtx.Done()

		mylogger.Info(context.Background(), logger, "Shutting down settings service")
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mylogger.Error(context.Background(), logger, "Settings service stopped with error", zap.Error(err))
	}
}
