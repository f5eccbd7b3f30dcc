package repository

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/extract"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Postgres accepts at most 65535 bind parameters per statement.
const maxBindParams = 65535

type TelemetryRepository struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewTelemetryRepository(pool *pgxpool.Pool, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		tracer:  otel.Tracer("sink/telemetry_repo"),
		logger:  logger,
	}
}

// WriteBatch stores rows in def's table inside one transaction. Pipelines with an
// upsert key overwrite the stored row of each entity; the others append.
func (r *TelemetryRepository) WriteBatch(ctx context.Context, def *pipeline.Definition, rows []*extract.Row) error {
	ctx, span := r.tracer.Start(ctx, "TelemetryRepository.WriteBatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("pipeline", def.Name),
		attribute.String("table", def.Table),
		attribute.Int("rows", len(rows)),
		attribute.Bool("upsert", def.IsUpsert()),
	)

	if len(rows) == 0 {
		return nil
	}

	columns := def.Columns()
	chunk := maxBindParams / len(columns)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))

		query, args, err := r.insertQuery(def, columns, rows[start:end])
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to build insert for %s: %w", def.Table, err)
		}

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to write %d rows into %s: %w", end-start, def.Table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit batch into %s: %w", def.Table, err)
	}

	return nil
}

func (r *TelemetryRepository) insertQuery(def *pipeline.Definition, columns []string, rows []*extract.Row) (string, []any, error) {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = pgx.Identifier{column}.Sanitize()
	}

	insert := r.builder.
		Insert(pgx.Identifier{def.Table}.Sanitize()).
		Columns(quoted...)

	for _, row := range rows {
		insert = insert.Values(row.Values(columns)...)
	}

	if def.IsUpsert() {
		insert = insert.Suffix(upsertClause(def, columns))
	}

	return insert.ToSql()
}

func upsertClause(def *pipeline.Definition, columns []string) string {
	key := pgx.Identifier{def.UpsertKey}.Sanitize()

	set := make([]string, 0, len(columns))
	for _, column := range columns {
		if column == def.UpsertKey {
			continue
		}
		quoted := pgx.Identifier{column}.Sanitize()
		set = append(set, quoted+" = EXCLUDED."+quoted)
	}
	set = append(set, "updated_at = NOW()")

	return "ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(set, ", ")
}
