package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/pkg/jsonpath"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"go.uber.org/zap"
)

type AggregateConfirmer interface {
	ConfirmAggregate(ctx context.Context, aggregateType, aggregateID string, observedAt time.Time) (int64, error)
}

// ConfirmationService treats any telemetry a device sends after a command was
// published as proof that the device picked the command up.
type ConfirmationService struct {
	confirmer    AggregateConfirmer
	deviceIDPath string
	metrics      *metrics.Outbox
	logger       *zap.Logger
}

func NewConfirmationService(confirmer AggregateConfirmer, deviceIDPath string, m *metrics.Outbox, logger *zap.Logger) *ConfirmationService {
	return &ConfirmationService{
		confirmer:    confirmer,
		deviceIDPath: deviceIDPath,
		metrics:      m,
		logger:       logger,
	}
}

// Observe confirms the published commands of the device that sent value. Messages
// without a device id are ignored.
func (s *ConfirmationService) Observe(ctx context.Context, value []byte, observedAt time.Time) error {
	root, err := jsonpath.Decode(value)
	if err != nil {
		mylogger.Debug(ctx, s.logger, "Skipping undecodable message", zap.Error(err))
		return nil
	}

	raw, ok := jsonpath.Resolve(root, s.deviceIDPath)
	if !ok {
		return nil
	}

	deviceID := strings.TrimSpace(fmt.Sprint(raw))
	if deviceID == "" {
		return nil
	}

	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	confirmed, err := s.confirmer.ConfirmAggregate(ctx, domain.AggregateType, deviceID, observedAt)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to confirm commands", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}

	if confirmed > 0 {
		s.metrics.Confirmed.Add(float64(confirmed))

		mylogger.Info(
			ctx,
			s.logger,
			"Commands confirmed by device",
			zap.String("device_id", deviceID),
			zap.Int64("confirmed", confirmed),
		)
	}

	return nil
}
