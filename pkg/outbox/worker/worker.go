package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrPublishFailed = errors.New("outbox publish failed")
var ErrNoRoute = errors.New("no command topic for aggregate type")

type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	ClaimPending(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, eventID int64) error
	MarkRetry(ctx context.Context, tx pgx.Tx, eventID int64, outcome domain.PublishOutcome) error
	Confirm(ctx context.Context, eventID int64) error
	ConfirmAggregate(ctx context.Context, aggregateType, aggregateID string, observedAt time.Time) (int64, error)
	CountAwaitingConfirmation(ctx context.Context, olderThan time.Duration) (int64, error)
	GetByID(ctx context.Context, eventID int64) (*domain.OutboxEvent, error)
}

type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic string, key string, message interface{}) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Options struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ConfirmTimeout  time.Duration
	DefaultTopic    string
	Topics          map[string]string
	Breaker         *utils.BreakerConfig
}

type OutboxProcessor struct {
	pool           TxBeginner
	repo           OutboxRepository
	kafkaProducer  KafkaProducer
	logger         *zap.Logger
	metrics        *metrics.Outbox
	cb             *gobreaker.CircuitBreaker
	batchSize      int
	interval       time.Duration
	maxInterval    time.Duration
	confirmTimeout time.Duration
	defaultTopic   string
	topics         map[string]string
	tracer         trace.Tracer
}

type batchResult struct {
	claimed   int
	published int
	failed    int
	halted    bool
}

func NewOutboxProcessor(
	pool TxBeginner,
	repo OutboxRepository,
	producer KafkaProducer,
	m *metrics.Outbox,
	opts Options,
	logger *zap.Logger,
) *OutboxProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	breakerCfg := utils.DefaultBreakerConfig
	if opts.Breaker != nil {
		breakerCfg = *opts.Breaker
	}

	return &OutboxProcessor{
		pool:           pool,
		repo:           repo,
		kafkaProducer:  producer,
		logger:         logger,
		metrics:        m,
		cb:             utils.NewBreaker("OutboxPublisher", breakerCfg, logger),
		batchSize:      opts.BatchSize,
		interval:       opts.PollInterval,
		maxInterval:    opts.MaxPollInterval,
		confirmTimeout: opts.ConfirmTimeout,
		defaultTopic:   opts.DefaultTopic,
		topics:         opts.Topics,
		tracer:         otel.Tracer("outbox-worker"),
	}
}

// Start polls until ctx is cancelled. Cycles with publish failures push the next
// poll out exponentially up to the max poll interval; a clean cycle resets it.
func (p *OutboxProcessor) Start(ctx context.Context) {
	mylogger.Info(
		ctx,
		p.logger,
		"Starting outbox processor",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("poll_interval", p.interval),
	)

	schedule := p.newSchedule()
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(
				ctx,
				p.logger,
				"Outbox processor stopping",
			)

			return
		case <-timer.C:
			timer.Reset(p.runCycle(ctx, schedule))
		}
	}
}

func (p *OutboxProcessor) newSchedule() *backoff.ExponentialBackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.interval
	schedule.MaxInterval = p.maxInterval
	schedule.Multiplier = 2
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	return schedule
}

func (p *OutboxProcessor) runCycle(ctx context.Context, schedule backoff.BackOff) time.Duration {
	res, err := p.processBatch(ctx)
	if err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"Error processing outbox batch",
			zap.Error(err),
		)
	}

	p.checkUnconfirmed(ctx)

	if err != nil || res.failed > 0 || res.halted {
		return schedule.NextBackOff()
	}

	schedule.Reset()
	if res.claimed == p.batchSize {
		return 0
	}

	return p.interval
}

func (p *OutboxProcessor) processBatch(ctx context.Context) (batchResult, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.processBatch")
	defer span.End()

	var res batchResult

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"outbox worker failed to begin transaction",
			zap.Error(err),
		)

		return res, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Error(
				cleanupCtx,
				p.logger,
				"Outbox worker failed to rollback transaction",
				zap.Error(err),
				zap.String("method_name", "processBatch"),
			)
		}
	}()

	events, err := p.repo.ClaimPending(ctx, tx, p.batchSize)
	if err != nil {
		return res, err
	}

	res.claimed = len(events)
	if len(events) == 0 {
		return res, nil
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Processing outbox events",
		zap.Int("count", len(events)),
	)

	for _, event := range events {
		publishErr := p.publish(ctx, event)
		if isBreakerRejection(publishErr) {
			mylogger.Warn(
				ctx,
				p.logger,
				"Command channel circuit open, leaving remaining events pending",
				zap.Int64("outbox_id", event.Id),
			)

			res.halted = true
			break
		}

		outcome, err := domain.ApplyPublishResult(event, publishErr)
		if err != nil {
			return res, err
		}

		if outcome.Status == domain.StatusPublished {
			if err := p.repo.MarkPublished(ctx, tx, event.Id); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"outbox worker mark published failed",
					zap.Int64("outbox_id", event.Id),
					zap.Error(err),
				)

				return res, err
			}

			res.published++
			p.metrics.Published.Inc()

			mylogger.Debug(
				ctx,
				p.logger,
				"outbox worker event published successfully",
				zap.Int64("outbox_id", event.Id),
				zap.String("aggregate_id", event.AggregateID),
			)

			continue
		}

		if err := p.repo.MarkRetry(ctx, tx, event.Id, outcome); err != nil {
			mylogger.Error(
				ctx,
				p.logger,
				"outbox worker mark retry failed",
				zap.Int64("outbox_id", event.Id),
				zap.Error(err),
			)

			return res, err
		}

		res.failed++
		p.metrics.PublishFailures.WithLabelValues(event.AggregateType).Inc()

		if outcome.Status == domain.StatusFailed {
			p.metrics.Failed.WithLabelValues(event.AggregateType).Inc()

			mylogger.Error(
				ctx,
				p.logger,
				"outbox event failed permanently",
				zap.Int64("outbox_id", event.Id),
				zap.String("aggregate_type", event.AggregateType),
				zap.String("aggregate_id", event.AggregateID),
				zap.String("event_type", event.EventType),
				zap.Int("retry_count", outcome.RetryCount),
				zap.Error(publishErr),
			)

			continue
		}

		mylogger.Warn(
			ctx,
			p.logger,
			"outbox worker produce message failed",
			zap.Int64("outbox_id", event.Id),
			zap.Int("retry_count", outcome.RetryCount),
			zap.Int("max_retries", event.MaxRetries),
			zap.Error(publishErr),
		)
	}

	span.SetAttributes(
		attribute.Int("outbox.published", res.published),
		attribute.Int("outbox.failed", res.failed),
	)

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("error committing outbox batch: %w", err)
	}

	return res, nil
}

func (p *OutboxProcessor) publish(ctx context.Context, event *domain.OutboxEvent) error {
	topic, err := p.route(event.AggregateType)
	if err != nil {
		return err
	}

	msg := domain.CommandMessage{
		OutboxID:    event.Id,
		CommandID:   uuid.NewString(),
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Payload:     event.Payload,
	}

	return utils.RunWithBreaker(p.cb, func() error {
		if err := p.kafkaProducer.ProduceMessage(ctx, topic, event.AggregateID, msg); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}

		return nil
	})
}

func (p *OutboxProcessor) route(aggregateType string) (string, error) {
	if topic, ok := p.topics[aggregateType]; ok && topic != "" {
		return topic, nil
	}

	if p.defaultTopic != "" {
		return p.defaultTopic, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoRoute, aggregateType)
}

func (p *OutboxProcessor) checkUnconfirmed(ctx context.Context) {
	if p.confirmTimeout <= 0 {
		return
	}

	count, err := p.repo.CountAwaitingConfirmation(ctx, p.confirmTimeout)
	if err != nil {
		mylogger.Warn(ctx, p.logger, "Failed to count unconfirmed outbox events", zap.Error(err))
		return
	}

	p.metrics.AwaitingConfirmation.Set(float64(count))

	if count > 0 {
		mylogger.Warn(
			ctx,
			p.logger,
			"Published commands still awaiting device confirmation",
			zap.Int64("count", count),
			zap.Duration("confirm_timeout", p.confirmTimeout),
		)
	}
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
