package domain

import (
	"encoding/json"
	"time"
)

const DefaultMaxRetries = 3

type OutboxEvent struct {
	Id            int64           `db:"id" json:"id"`
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	EventType     string          `db:"event_type" json:"event_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        Status          `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	PublishedAt   *time.Time      `db:"published_at" json:"published_at,omitempty"`
	ConfirmedAt   *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ErrorMessage  *string         `db:"error_message" json:"error_message,omitempty"`
}

func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload any, maxRetries int) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
	}, nil
}

// CommandMessage is what reaches the device command channel.
type CommandMessage struct {
	OutboxID    int64           `json:"outbox_id"`
	CommandID   string          `json:"command_id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
}
