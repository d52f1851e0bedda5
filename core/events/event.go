// Package events defines the lifecycle event contract the transaction and
// saga managers publish to, plus two publishers: an in-memory fan-out bus
// and a remote HTTP/3 batching sender. Publishing is fire-and-forget from
// the managers' point of view: a failed publish never affects the outcome
// of the transaction or saga that emitted it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types emitted by the managers.
const (
	TxnStarted     = "transaction.started"
	TxnCommitted   = "transaction.committed"
	TxnFailed      = "transaction.failed"
	TxnCompensated = "transaction.compensated"

	SagaStarted      = "saga.started"
	SagaCompleted    = "saga.completed"
	SagaFailed       = "saga.failed"
	SagaCompensating = "saga.compensating"
	SagaCompensated  = "saga.compensated"
)

// Event is a lifecycle notification tied to one transaction or saga.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(eventType, aggregateID, aggregateType string, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
	}
}

// Publisher delivers lifecycle events. Implementations must tolerate
// concurrent callers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopPublisher discards every event. Used when no publisher is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
