package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/go-telemetry-sink/pkg/kafka"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/service"
	"go.uber.org/zap"
)

type Consumer struct {
	service service.IngestService
	logger  *zap.Logger
}

func NewConsumer(service service.IngestService, logger *zap.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

// Start consumes topics until ctx is cancelled. Partitions are consumed one message
// at a time, so a blocked writer queue pauses the partition.
func (c *Consumer) Start(ctx context.Context, brokers []string, groupID string, topics []string) error {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		topics,
		c.processMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return c.service.Ingest(ctx, msg.Topic, msg.Value)
}
