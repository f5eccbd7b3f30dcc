package tests

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	kafka2 "github.com/sakashimaa/go-telemetry-sink/pkg/kafka"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	outboxRepository "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/repository"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/worker"
	"github.com/sakashimaa/go-telemetry-sink/pkg/testsuite"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/service"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const commandTopic = "device_commands"

type IntegrationTestSuite struct {
	testsuite.BaseSuite

	SettingsService     service.SettingsService
	ConfirmationService *service.ConfirmationService
	RedisClient         *redis.Client
	TestProducer        kafka2.Producer
	OutboxProcessor     *worker.OutboxProcessor
	workerCancel        context.CancelFunc
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure(testsuite.Infrastructure{Kafka: true, Redis: true})

	s.RedisClient = redis.NewClient(&redis.Options{Addr: s.RedisAddr})

	var err error
	s.TestProducer, err = kafka2.NewProducer(s.KafkaBrokers)
	s.Require().NoError(err, "failed to create kafka producer")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.TestProducer != nil {
		_ = s.TestProducer.Close()
	}
	if s.RedisClient != nil {
		_ = s.RedisClient.Close()
	}

	s.BaseSuite.TearDownInfrastructure()
}

func (s *IntegrationTestSuite) SetupTest() {
	s.BaseSuite.TruncateTable("heatpump_settings", "outbox")
	s.Require().NoError(s.RedisClient.FlushAll(s.Ctx).Err())

	logger := zap.NewNop()
	settingsRepo := repository.NewSettingsRepository(s.DbPool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(s.DbPool, logger)
	outboxMetrics := metrics.NewOutbox(prometheus.NewRegistry())

	s.SettingsService = service.NewCachedSettingsService(
		service.NewSettingsService(s.DbPool, settingsRepo, outboxRepo, 3, outboxMetrics, logger),
		s.RedisClient,
		time.Minute,
	)
	s.ConfirmationService = service.NewConfirmationService(outboxRepo, "$.tags.device_id", outboxMetrics, logger)

	s.OutboxProcessor = worker.NewOutboxProcessor(s.DbPool, outboxRepo, s.TestProducer, outboxMetrics, worker.Options{
		PollInterval: 100 * time.Millisecond,
		DefaultTopic: commandTopic,
	}, logger)

	workerCtx, cancel := context.WithCancel(s.Ctx)
	s.workerCancel = cancel

	go s.OutboxProcessor.Start(workerCtx)
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.workerCancel != nil {
		s.workerCancel()
	}
}

func (s *IntegrationTestSuite) seedDevice(deviceID string, mode int) {
	query := `
		INSERT INTO heatpump_settings (device_id, mode, indoor_target_temp)
		VALUES ($1, $2, 20)
	`

	_, err := s.DbPool.Exec(s.Ctx, query, deviceID, mode)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) outboxStatus(outboxID int64) string {
	var status string
	err := s.DbPool.QueryRow(s.Ctx, `SELECT status FROM outbox WHERE id = $1`, outboxID).Scan(&status)
	s.Require().NoError(err)

	return status
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
