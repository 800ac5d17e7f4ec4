package contract

import (
	"chat-sync/domain/event"
	"context"
)

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// Paused holds delivery until Resume is called. Events published in
	// the meantime are queued.
	Paused bool
	// OnEvict is called once when the subscription is dropped by the bus,
	// for example because its queue overflowed.
	OnEvict func(err error)
}

// ISubscription is the cancellable handle returned by Subscribe.
type ISubscription interface {
	Topic() string
	// Resume starts delivery of a paused subscription, backlog first.
	Resume(backlog ...event.DomainEvent)
	// Unsubscribe waits for an in-flight callback and guarantees no
	// callback runs after it returns. It must not be called from inside
	// the subscription's own callback.
	Unsubscribe()
}

// IEventBus routes events to the subscribers of their topic, keeping the
// publication order per topic.
type IEventBus interface {
	Publish(ctx context.Context, e event.DomainEvent) error
	Subscribe(topic string, handler func(event.DomainEvent), opts SubscribeOptions) ISubscription
}
