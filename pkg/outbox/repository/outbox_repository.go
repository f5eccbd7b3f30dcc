package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count,
		max_retries, created_at, published_at, confirmed_at, error_message`

type outboxRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) worker.OutboxRepository {
	return &outboxRepo{
		pool:   pool,
		tracer: otel.Tracer("outbox/outbox_repo"),
		logger: logger,
	}
}

func (r *outboxRepo) SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.SaveOutboxEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("aggregate_id", event.AggregateID),
		attribute.String("aggregate_type", event.AggregateType),
	)

	if event.MaxRetries <= 0 {
		event.MaxRetries = domain.DefaultMaxRetries
	}

	query := `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, status, max_retries)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING id, status, retry_count, created_at
	`

	var status string
	err := tx.QueryRow(
		ctx,
		query,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.MaxRetries,
	).Scan(&event.Id, &status, &event.RetryCount, &event.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	event.Status = domain.Status(status)
	return nil
}

func (r *outboxRepo) ClaimPending(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ClaimPending")
	defer span.End()

	span.SetAttributes(
		attribute.Int("batch_size", batchSize),
	)

	query := `
		SELECT ` + outboxColumns + `
		FROM outbox
		WHERE status = 'pending' AND retry_count < max_retries
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, batchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning event: %w", err)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	span.SetAttributes(
		attribute.Int("result_count", len(events)),
	)

	return events, nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, tx pgx.Tx, eventID int64) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkPublished")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("event_id", eventID),
	)

	query := `
		UPDATE outbox
		SET status = 'published', published_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, query, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}

	return nil
}

func (r *outboxRepo) MarkRetry(ctx context.Context, tx pgx.Tx, eventID int64, outcome domain.PublishOutcome) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkRetry")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("event_id", eventID),
		attribute.String("outbox.status", string(outcome.Status)),
		attribute.Int("outbox.retry_count", outcome.RetryCount),
	)

	query := `
		UPDATE outbox
		SET status = $1, retry_count = $2, error_message = $3
		WHERE id = $4 AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, query, string(outcome.Status), outcome.RetryCount, outcome.ErrorMessage, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}

	return nil
}

func (r *outboxRepo) Confirm(ctx context.Context, eventID int64) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Confirm")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("event_id", eventID),
	)

	query := `
		UPDATE outbox
		SET status = 'confirmed', confirmed_at = NOW()
		WHERE id = $1 AND status = 'published'
	`

	tag, err := r.pool.Exec(ctx, query, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, eventID); err != nil {
		return err
	}

	return ErrStaleStatus
}

func (r *outboxRepo) ConfirmAggregate(ctx context.Context, aggregateType, aggregateID string, observedAt time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ConfirmAggregate")
	defer span.End()

	span.SetAttributes(
		attribute.String("aggregate_type", aggregateType),
		attribute.String("aggregate_id", aggregateID),
	)

	query := `
		UPDATE outbox
		SET status = 'confirmed', confirmed_at = NOW()
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND status = 'published' AND published_at <= $3
	`

	tag, err := r.pool.Exec(ctx, query, aggregateType, aggregateID, observedAt)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (r *outboxRepo) CountAwaitingConfirmation(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.CountAwaitingConfirmation")
	defer span.End()

	query := `
		SELECT COUNT(*)
		FROM outbox
		WHERE status = 'published' AND published_at < NOW() - make_interval(secs => $1)
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, olderThan.Seconds()).Scan(&count); err != nil {
		span.RecordError(err)
		return 0, err
	}

	return count, nil
}

func (r *outboxRepo) GetByID(ctx context.Context, eventID int64) (*domain.OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetByID")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("event_id", eventID),
	)

	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE id = $1`

	event, err := scanEvent(r.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOutboxEventNotFound
		}

		span.RecordError(err)
		return nil, err
	}

	return event, nil
}

func scanEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	var status string

	if err := row.Scan(
		&e.Id,
		&e.AggregateType,
		&e.AggregateID,
		&e.EventType,
		&e.Payload,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.CreatedAt,
		&e.PublishedAt,
		&e.ConfirmedAt,
		&e.ErrorMessage,
	); err != nil {
		return nil, err
	}

	e.Status = domain.Status(status)
	return &e, nil
}
