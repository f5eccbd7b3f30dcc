package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/repository"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/worker"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrInvalidPatch = errors.New("invalid settings patch")

type SettingsService interface {
	Get(ctx context.Context, deviceID string) (*domain.Settings, error)
	List(ctx context.Context) ([]domain.Settings, error)
	// Update stores patch and queues the matching device command in one transaction.
	Update(ctx context.Context, deviceID string, patch *domain.Patch) (*domain.UpdateResult, error)
	GetCommand(ctx context.Context, outboxID int64) (*outboxDomain.OutboxEvent, error)
	ConfirmCommand(ctx context.Context, outboxID int64) error
}

type settingsService struct {
	pool         worker.TxBeginner
	settingsRepo repository.SettingsRepository
	outboxRepo   worker.OutboxRepository
	maxRetries   int
	metrics      *metrics.Outbox
	validate     *validator.Validate
	logger       *zap.Logger
	tracer       trace.Tracer
}

func NewSettingsService(
	pool worker.TxBeginner,
	settingsRepo repository.SettingsRepository,
	outboxRepo worker.OutboxRepository,
	maxRetries int,
	m *metrics.Outbox,
	logger *zap.Logger,
) SettingsService {
	return &settingsService{
		pool:         pool,
		settingsRepo: settingsRepo,
		outboxRepo:   outboxRepo,
		maxRetries:   maxRetries,
		metrics:      m,
		validate:     newValidator(),
		logger:       logger,
		tracer:       otel.Tracer("settings_service"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

func (s *settingsService) Get(ctx context.Context, deviceID string) (*domain.Settings, error) {
	return s.settingsRepo.Get(ctx, deviceID)
}

func (s *settingsService) List(ctx context.Context) ([]domain.Settings, error) {
	return s.settingsRepo.List(ctx)
}

func (s *settingsService) Update(ctx context.Context, deviceID string, patch *domain.Patch) (*domain.UpdateResult, error) {
	ctx, span := s.tracer.Start(ctx, "SettingsService.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("device_id", deviceID),
	)

	if patch.Empty() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPatch, domain.ErrEmptyPatch)
	}
	if err := s.validate.Struct(patch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	event, err := outboxDomain.NewOutboxEvent(domain.AggregateType, deviceID, domain.EventTypeUpdate, patch, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		mylogger.Warn(
			ctx,
			s.logger,
			"Failed to begin transaction",
			zap.Error(err),
		)

		return nil, err
	}
	defer func() {
		shutdownCtx := context.WithoutCancel(ctx)

		if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(shutdownCtx, s.logger, "Failed to rollback transaction", zap.Error(err))
		}
	}()

	if err := s.settingsRepo.Update(ctx, tx, deviceID, patch); err != nil {
		if errors.Is(err, repository.ErrSettingsNotFound) {
			mylogger.Warn(ctx, s.logger, "Settings not found", zap.String("device_id", deviceID))
		}

		return nil, err
	}

	if err := s.outboxRepo.SaveOutboxEvent(ctx, tx, event); err != nil {
		mylogger.Error(
			ctx,
			s.logger,
			"Failed to save outbox event",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)

		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settings update: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Settings update accepted",
		zap.String("device_id", deviceID),
		zap.Int64("outbox_id", event.Id),
	)

	return &domain.UpdateResult{
		DeviceID: deviceID,
		OutboxID: event.Id,
		Status:   string(event.Status),
	}, nil
}

func (s *settingsService) GetCommand(ctx context.Context, outboxID int64) (*outboxDomain.OutboxEvent, error) {
	return s.outboxRepo.GetByID(ctx, outboxID)
}

func (s *settingsService) ConfirmCommand(ctx context.Context, outboxID int64) error {
	err := s.outboxRepo.Confirm(ctx, outboxID)
	if err != nil {
		if !errors.Is(err, outboxRepository.ErrOutboxEventNotFound) && !errors.Is(err, outboxRepository.ErrStaleStatus) {
			mylogger.Error(ctx, s.logger, "Failed to confirm command", zap.Int64("outbox_id", outboxID), zap.Error(err))
		}
		return err
	}

	s.metrics.Confirmed.Inc()

	return nil
}
