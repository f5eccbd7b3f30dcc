package domain

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid outbox status transition")

var transitions = map[Status][]Status{
	StatusPending:   {StatusPublished, StatusFailed},
	StatusPublished: {StatusConfirmed, StatusPending, StatusFailed},
}

func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusConfirmed, StatusFailed:
		return true
	}

	return false
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// PublishOutcome is the state a record moves to after one publish attempt.
type PublishOutcome struct {
	Status       Status
	RetryCount   int
	ErrorMessage *string
}

// ApplyPublishResult computes the next state of a pending record. A failed attempt
// increments retry_count; the record becomes failed once the count reaches max_retries.
func ApplyPublishResult(event *OutboxEvent, publishErr error) (PublishOutcome, error) {
	if event.Status != StatusPending {
		return PublishOutcome{}, fmt.Errorf("%w: publish from %s", ErrInvalidTransition, event.Status)
	}

	if publishErr == nil {
		return PublishOutcome{Status: StatusPublished, RetryCount: event.RetryCount}, nil
	}

	msg := publishErr.Error()
	outcome := PublishOutcome{
		Status:       StatusPending,
		RetryCount:   event.RetryCount + 1,
		ErrorMessage: &msg,
	}

	maxRetries := event.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if outcome.RetryCount >= maxRetries {
		outcome.Status = StatusFailed
	}

	return outcome, nil
}
