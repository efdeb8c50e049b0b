package app

import (
	"context"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/pkg/rabbitmq"
)

// EventBus publishes domain events and push requests on the events exchange.
// The push gateway consumes push.* routing keys and talks to the device
// provider.
type EventBus struct {
	publisher rabbitmq.Publisher
}

func NewEventBus(publisher rabbitmq.Publisher) *EventBus {
	return &EventBus{publisher: publisher}
}

func (b *EventBus) PublishTransactionMatched(ctx context.Context, event domain.TransactionMatchedEvent) error {
	return b.publisher.Publish(ctx, domain.EventTransactionMatched, event)
}

func (b *EventBus) PublishPayoutEvent(ctx context.Context, routingKey string, event domain.PayoutEvent) error {
	return b.publisher.Publish(ctx, routingKey, event)
}

func (b *EventBus) SendPush(ctx context.Context, msg domain.PushMessage) error {
	return b.publisher.Publish(ctx, msg.Kind, msg)
}
