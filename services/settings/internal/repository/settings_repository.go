package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	settingsTable = "heatpump_settings"

	settingsColumns = "device_id, indoor_target_temp, mode, curve, curve_min, curve_max, curve_plus_5, " +
		"curve_zero, curve_minus_5, heatstop, integral_setting, ts, updated_at"
)

type SettingsRepository interface {
	Get(ctx context.Context, deviceID string) (*domain.Settings, error)
	List(ctx context.Context) ([]domain.Settings, error)
	Update(ctx context.Context, tx pgx.Tx, deviceID string, patch *domain.Patch) error
}

type settingsRepo struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewSettingsRepository(pool *pgxpool.Pool, logger *zap.Logger) SettingsRepository {
	return &settingsRepo{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		tracer:  otel.Tracer("settings/settings_repo"),
		logger:  logger,
	}
}

func (r *settingsRepo) Get(ctx context.Context, deviceID string) (*domain.Settings, error) {
	ctx, span := r.tracer.Start(ctx, "SettingsRepository.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("device_id", deviceID),
	)

	query := `SELECT ` + settingsColumns + ` FROM heatpump_settings WHERE device_id = $1`

	settings, err := scanSettings(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("failed to get settings of %s: %w", deviceID, err)
	}

	return settings, nil
}

func (r *settingsRepo) List(ctx context.Context) ([]domain.Settings, error) {
	ctx, span := r.tracer.Start(ctx, "SettingsRepository.List")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT `+settingsColumns+` FROM heatpump_settings ORDER BY device_id`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []domain.Settings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning settings: %w", err)
		}

		out = append(out, *settings)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return out, nil
}

// Update writes only the columns set in patch.
func (r *settingsRepo) Update(ctx context.Context, tx pgx.Tx, deviceID string, patch *domain.Patch) error {
	ctx, span := r.tracer.Start(ctx, "SettingsRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("device_id", deviceID),
	)

	columns := patch.Columns()
	if len(columns) == 0 {
		return domain.ErrEmptyPatch
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	update := r.builder.Update(settingsTable)
	for _, name := range names {
		update = update.Set(name, columns[name])
	}

	query, args, err := update.
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"device_id": deviceID}).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to build settings update: %w", err)
	}

	commandTag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, r.logger, "Failed to update settings", zap.String("device_id", deviceID), zap.Error(err))

		return fmt.Errorf("failed to update settings of %s: %w", deviceID, err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrSettingsNotFound
	}

	return nil
}

func scanSettings(row pgx.Row) (*domain.Settings, error) {
	var s domain.Settings
	err := row.Scan(
		&s.DeviceID,
		&s.IndoorTargetTemp,
		&s.Mode,
		&s.Curve,
		&s.CurveMin,
		&s.CurveMax,
		&s.CurvePlus5,
		&s.CurveZero,
		&s.CurveMinus5,
		&s.Heatstop,
		&s.IntegralSetting,
		&s.Ts,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &s, nil
}
