package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/go-telemetry-sink/pkg/kafka"
	"go.uber.org/zap"
)

type Observer interface {
	Observe(ctx context.Context, value []byte, observedAt time.Time) error
}

type ConfirmationConsumer struct {
	observer Observer
	logger   *zap.Logger
}

func NewConfirmationConsumer(observer Observer, logger *zap.Logger) *ConfirmationConsumer {
	return &ConfirmationConsumer{
		observer: observer,
		logger:   logger,
	}
}

func (c *ConfirmationConsumer) Start(ctx context.Context, brokers []string, groupID string, topics []string) error {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		topics,
		c.processMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

func (c *ConfirmationConsumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return c.observer.Observe(ctx, msg.Value, msg.Timestamp)
}
