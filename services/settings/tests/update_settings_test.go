package tests

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
)

func intPtr(v int) *int {
	return &v
}

func (s *IntegrationTestSuite) TestUpdateSettings_CommitsRowAndCommand() {
	s.seedDevice("hp-1", 0)

	res, err := s.SettingsService.Update(s.Ctx, "hp-1", &domain.Patch{Mode: intPtr(2)})
	s.Require().NoError(err)
	s.Require().Equal("pending", res.Status)

	var mode int
	err = s.DbPool.QueryRow(s.Ctx, `SELECT mode FROM heatpump_settings WHERE device_id = $1`, "hp-1").Scan(&mode)
	s.Require().NoError(err)
	s.Require().Equal(2, mode)

	query := `
		SELECT aggregate_type, aggregate_id, event_type, payload
		FROM outbox
		WHERE id = $1
	`

	var aggregateType, aggregateID, eventType string
	var payload []byte
	err = s.DbPool.QueryRow(s.Ctx, query, res.OutboxID).Scan(&aggregateType, &aggregateID, &eventType, &payload)
	s.Require().NoError(err)
	s.Require().Equal(domain.AggregateType, aggregateType)
	s.Require().Equal("hp-1", aggregateID)
	s.Require().Equal(domain.EventTypeUpdate, eventType)
	s.Require().JSONEq(`{"mode": 2}`, string(payload))

	s.Require().Eventually(func() bool {
		return s.outboxStatus(res.OutboxID) == "published"
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestUpdateSettings_UnknownDeviceWritesNothing() {
	_, err := s.SettingsService.Update(s.Ctx, "ghost", &domain.Patch{Mode: intPtr(1)})
	s.Require().Error(err)
	s.Require().True(errors.Is(err, repository.ErrSettingsNotFound))

	var count int
	err = s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count)
	s.Require().NoError(err)
	s.Require().Zero(count)
}

func (s *IntegrationTestSuite) TestCommandReachesChannelAndIsConfirmed() {
	s.seedDevice("hp-2", 0)

	res, err := s.SettingsService.Update(s.Ctx, "hp-2", &domain.Patch{Curve: intPtr(40)})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return s.outboxStatus(res.OutboxID) == "published"
	}, 10*time.Second, 100*time.Millisecond)

	msg := s.findCommand(res.OutboxID)
	s.Require().Equal("hp-2", string(msg.Key))

	var command outboxDomain.CommandMessage
	s.Require().NoError(json.Unmarshal(msg.Value, &command))
	s.Require().Equal("hp-2", command.AggregateID)
	s.Require().NotEmpty(command.CommandID)
	s.Require().JSONEq(`{"curve": 40}`, string(command.Payload))

	telemetry := fmt.Sprintf(`{"tags": {"device_id": "hp-2"}, "fields": {"curve": 40}, "ts": %d}`, time.Now().UnixMilli())
	s.Require().NoError(s.ConfirmationService.Observe(s.Ctx, []byte(telemetry), time.Now().Add(time.Second)))

	s.Require().Equal("confirmed", s.outboxStatus(res.OutboxID))

	err = s.SettingsService.ConfirmCommand(s.Ctx, res.OutboxID)
	s.Require().Error(err)
}

func (s *IntegrationTestSuite) TestCachedGet_InvalidatedOnUpdate() {
	s.seedDevice("hp-3", 1)

	settings, err := s.SettingsService.Get(s.Ctx, "hp-3")
	s.Require().NoError(err)
	s.Require().Equal(1, *settings.Mode)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE heatpump_settings SET mode = 3 WHERE device_id = 'hp-3'`)
	s.Require().NoError(err)

	settings, err = s.SettingsService.Get(s.Ctx, "hp-3")
	s.Require().NoError(err)
	s.Require().Equal(1, *settings.Mode, "second read is served from cache")

	_, err = s.SettingsService.Update(s.Ctx, "hp-3", &domain.Patch{Heatstop: intPtr(17)})
	s.Require().NoError(err)

	settings, err = s.SettingsService.Get(s.Ctx, "hp-3")
	s.Require().NoError(err)
	s.Require().Equal(3, *settings.Mode)
	s.Require().Equal(17, *settings.Heatstop)
}

func (s *IntegrationTestSuite) findCommand(outboxID int64) *sarama.ConsumerMessage {
	consumer, err := sarama.NewConsumer(s.KafkaBrokers, sarama.NewConfig())
	s.Require().NoError(err)
	defer consumer.Close()

	partitions, err := consumer.Partitions(commandTopic)
	s.Require().NoError(err)

	deadline := time.After(10 * time.Second)
	for _, partition := range partitions {
		pc, err := consumer.ConsumePartition(commandTopic, partition, sarama.OffsetOldest)
		s.Require().NoError(err)

	loop:
		for {
			select {
			case msg := <-pc.Messages():
				var command outboxDomain.CommandMessage
				if json.Unmarshal(msg.Value, &command) == nil && command.OutboxID == outboxID {
					_ = pc.Close()
					return msg
				}
			case <-time.After(2 * time.Second):
				break loop
			case <-deadline:
				break loop
			}
		}

		_ = pc.Close()
	}

	s.FailNow("command not found on channel")
	return nil
}
