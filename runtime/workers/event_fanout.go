package workers

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventFanout drains one shard of the event pipeline.
//
// Every event is first handed to the permanent sinks, each bounded by the
// sink timeout, then queued on the subscriptions of its topic. A shard is
// drained by a single EventFanout so the events of one topic keep their
// publication order.
type EventFanout struct {
	log         *slog.Logger
	shard       int
	events      chan event.DomainEvent
	sinks       []contract.EventSink
	registry    contract.IRegistry
	sinkTimeout time.Duration
}

func NewEventFanout(log *slog.Logger, shard int, events chan event.DomainEvent,
	sinks []contract.EventSink, registry contract.IRegistry, sinkTimeout time.Duration) *EventFanout {
	return &EventFanout{
		log:         log,
		shard:       shard,
		events:      events,
		sinks:       sinks,
		registry:    registry,
		sinkTimeout: sinkTimeout,
	}
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-w.events:
			w.Fanout(ctx, evt)
		case <-ctx.Done():
			w.log.Debug("Context done, stopping fanout", "shard", w.shard)
			return nil
		}
	}
}

// Fanout delivers evt to the permanent sinks, then to the topic subscribers.
// A failing sink is logged and skipped.
func (w *EventFanout) Fanout(ctx context.Context, evt event.DomainEvent) {
	for _, sink := range w.sinks {
		w.consume(ctx, sink, evt)
	}
	n := w.registry.Deliver(evt)
	w.log.Debug(fmt.Sprintf("Event %s delivered to %d subscriber(s)", evt.Type(), n), "topic", evt.Topic())
}

func (w *EventFanout) consume(ctx context.Context, sink contract.EventSink, evt event.DomainEvent) {
	sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Sink panicked", "topic", evt.Topic(), "panic", r)
		}
	}()
	if err := sink.Consume(sinkCtx, evt); err != nil {
		w.log.Warn("Sink failed to consume event", "topic", evt.Topic(), "type", evt.Type(), "error", err)
	}
}
