package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/aggregate"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	bucketsTable = "counter_buckets"

	bucketColumns = "series, series_key, grain, bucket_start, bucket_end, first_value, last_value, " +
		"start_value, end_value, delta, sample_count, reset"
)

type BucketRepository struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewBucketRepository(pool *pgxpool.Pool, logger *zap.Logger) *BucketRepository {
	return &BucketRepository{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		tracer:  otel.Tracer("sink/bucket_repo"),
		logger:  logger,
	}
}

// bucketExpr computes bucket starts in SQL with the same boundaries as
// aggregate.BucketStart.
func bucketExpr(grain aggregate.Grain, column string) (string, error) {
	switch grain {
	case aggregate.GrainHour:
		return fmt.Sprintf("date_bin('1 hour', %s, TIMESTAMPTZ '2000-01-01 00:00:00+00')", column), nil
	case aggregate.GrainDay:
		return fmt.Sprintf("date_bin('1 day', %s, TIMESTAMPTZ '2000-01-01 00:00:00+00')", column), nil
	case aggregate.GrainMonth:
		return fmt.Sprintf("date_trunc('month', %s, 'UTC')", column), nil
	case aggregate.GrainYear:
		return fmt.Sprintf("date_trunc('year', %s, 'UTC')", column), nil
	}

	return "", fmt.Errorf("%w: %q", aggregate.ErrUnknownGrain, grain)
}

func (r *BucketRepository) Observe(
	ctx context.Context,
	series *pipeline.CounterSeries,
	grain aggregate.Grain,
	from, to time.Time,
) ([]aggregate.Observation, error) {
	ctx, span := r.tracer.Start(ctx, "BucketRepository.Observe")
	defer span.End()

	span.SetAttributes(
		attribute.String("series", series.Name),
		attribute.String("grain", string(grain)),
	)

	ts := pgx.Identifier{series.TimeColumnOrDefault()}.Sanitize()
	value := pgx.Identifier{series.ValueColumn}.Sanitize()

	key := "''::text"
	if series.KeyColumn != "" {
		key = "COALESCE(" + pgx.Identifier{series.KeyColumn}.Sanitize() + "::text, '')"
	}

	bucket, err := bucketExpr(grain, ts)
	if err != nil {
		return nil, err
	}

	query, args, err := r.builder.
		Select(
			key+" AS series_key",
			bucket+" AS bucket_start",
			"(array_agg("+value+" ORDER BY "+ts+" ASC))[1]::float8 AS first_value",
			"(array_agg("+value+" ORDER BY "+ts+" DESC))[1]::float8 AS last_value",
			"count(*) AS sample_count",
		).
		From(pgx.Identifier{series.Table}.Sanitize()).
		Where(sq.GtOrEq{ts: from}).
		Where(sq.Lt{ts: to}).
		Where(value + " IS NOT NULL").
		GroupBy("1", "2").
		OrderBy("1", "2").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build observe query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query %s: %w", series.Table, err)
	}
	defer rows.Close()

	var out []aggregate.Observation
	for rows.Next() {
		var obs aggregate.Observation
		if err := rows.Scan(&obs.Key, &obs.Start, &obs.First, &obs.Last, &obs.Count); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning observation: %w", err)
		}
		obs.Start = obs.Start.UTC()

		out = append(out, obs)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(out)))

	return out, nil
}

func (r *BucketRepository) EarliestReading(ctx context.Context, series *pipeline.CounterSeries) (time.Time, bool, error) {
	ctx, span := r.tracer.Start(ctx, "BucketRepository.EarliestReading")
	defer span.End()

	span.SetAttributes(attribute.String("series", series.Name))

	ts := pgx.Identifier{series.TimeColumnOrDefault()}.Sanitize()
	value := pgx.Identifier{series.ValueColumn}.Sanitize()

	query, args, err := r.builder.
		Select("min(" + ts + ")").
		From(pgx.Identifier{series.Table}.Sanitize()).
		Where(value + " IS NOT NULL").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return time.Time{}, false, fmt.Errorf("failed to build earliest reading query: %w", err)
	}

	var earliest *time.Time
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&earliest); err != nil {
		span.RecordError(err)
		return time.Time{}, false, fmt.Errorf("failed to query %s: %w", series.Table, err)
	}
	if earliest == nil {
		return time.Time{}, false, nil
	}

	return earliest.UTC(), true, nil
}

func (r *BucketRepository) LastBefore(
	ctx context.Context,
	series string,
	grain aggregate.Grain,
	t time.Time,
) (map[string]*aggregate.Bucket, error) {
	ctx, span := r.tracer.Start(ctx, "BucketRepository.LastBefore")
	defer span.End()

	query, args, err := r.builder.
		Select(bucketColumns).
		Options("DISTINCT ON (series_key)").
		From(bucketsTable).
		Where(sq.Eq{"series": series, "grain": string(grain)}).
		Where(sq.Lt{"bucket_start": t}).
		OrderBy("series_key", "bucket_start DESC").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build seed query: %w", err)
	}

	buckets, err := r.query(ctx, query, args)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make(map[string]*aggregate.Bucket, len(buckets))
	for i := range buckets {
		out[buckets[i].Key] = &buckets[i]
	}

	return out, nil
}

func (r *BucketRepository) UpsertBuckets(ctx context.Context, buckets []aggregate.Bucket) error {
	ctx, span := r.tracer.Start(ctx, "BucketRepository.UpsertBuckets")
	defer span.End()

	span.SetAttributes(attribute.Int("buckets", len(buckets)))

	if len(buckets) == 0 {
		return nil
	}

	chunk := maxBindParams / 12
	for start := 0; start < len(buckets); start += chunk {
		end := min(start+chunk, len(buckets))

		query, args, err := r.upsertQuery(buckets[start:end])
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to build bucket upsert: %w", err)
		}

		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to upsert %d buckets: %w", end-start, err)
		}
	}

	return nil
}

func (r *BucketRepository) upsertQuery(buckets []aggregate.Bucket) (string, []any, error) {
	insert := r.builder.
		Insert(bucketsTable).
		Columns(
			"series", "series_key", "grain", "bucket_start", "bucket_end", "first_value", "last_value",
			"start_value", "end_value", "delta", "sample_count", "reset",
		).
		Suffix(`ON CONFLICT (series, series_key, grain, bucket_start) DO UPDATE SET
			bucket_end = EXCLUDED.bucket_end,
			first_value = EXCLUDED.first_value,
			last_value = EXCLUDED.last_value,
			start_value = EXCLUDED.start_value,
			end_value = EXCLUDED.end_value,
			delta = EXCLUDED.delta,
			sample_count = EXCLUDED.sample_count,
			reset = EXCLUDED.reset,
			updated_at = NOW()`)

	for _, b := range buckets {
		insert = insert.Values(
			b.Series, b.Key, string(b.Grain), b.Start, b.End, b.FirstValue, b.LastValue,
			b.StartValue, b.EndValue, b.Delta, b.SampleCount, b.Reset,
		)
	}

	return insert.ToSql()
}

func (r *BucketRepository) ListBuckets(
	ctx context.Context,
	series string,
	grain aggregate.Grain,
	key string,
	from, to time.Time,
) ([]aggregate.Bucket, error) {
	ctx, span := r.tracer.Start(ctx, "BucketRepository.ListBuckets")
	defer span.End()

	span.SetAttributes(
		attribute.String("series", series),
		attribute.String("grain", string(grain)),
	)

	builder := r.builder.
		Select(bucketColumns).
		From(bucketsTable).
		Where(sq.Eq{"series": series, "grain": string(grain)}).
		Where(sq.GtOrEq{"bucket_start": from}).
		Where(sq.Lt{"bucket_start": to}).
		OrderBy("series_key", "bucket_start")

	if key != "" {
		builder = builder.Where(sq.Eq{"series_key": key})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	buckets, err := r.query(ctx, query, args)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return buckets, nil
}

func (r *BucketRepository) query(ctx context.Context, query string, args []any) ([]aggregate.Bucket, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []aggregate.Bucket
	for rows.Next() {
		var (
			b     aggregate.Bucket
			grain string
		)

		err := rows.Scan(
			&b.Series, &b.Key, &grain, &b.Start, &b.End, &b.FirstValue, &b.LastValue,
			&b.StartValue, &b.EndValue, &b.Delta, &b.SampleCount, &b.Reset,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning bucket: %w", err)
		}

		b.Grain = aggregate.Grain(grain)
		b.Start = b.Start.UTC()
		b.End = b.End.UTC()
		buckets = append(buckets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buckets: %w", err)
	}

	return buckets, nil
}
