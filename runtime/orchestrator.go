// Package runtime handles event propagation to permanent sinks and live
// subscribers. It orchestrates delivery without containing business rules.
package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Orchestrator is the in-process event bus. Events are routed to a shard
// chosen by hashing their topic, so one topic always travels through the
// same channel and the same fan-out worker.
type Orchestrator struct {
	mu             sync.Mutex
	log            *slog.Logger
	supervisor     contract.ISupervisor
	registry       *Registry
	shards         []chan event.DomainEvent
	permanentSinks []contract.EventSink
	sinkTimeout    time.Duration
	stopped        chan struct{}
	stopOnce       sync.Once
}

var _ contract.IEventBus = (*Orchestrator)(nil)

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor, registry *Registry,
	numShards, bufferSize int, sinkTimeout time.Duration) *Orchestrator {
	if numShards <= 0 {
		numShards = 1
	}
	shards := make([]chan event.DomainEvent, numShards)
	for i := range shards {
		shards[i] = make(chan event.DomainEvent, bufferSize)
	}
	return &Orchestrator{
		log:         log,
		supervisor:  supervisor,
		registry:    registry,
		shards:      shards,
		sinkTimeout: sinkTimeout,
		stopped:     make(chan struct{}),
	}
}

// Add registers sinks receiving every event. Must be called before Start.
func (o *Orchestrator) Add(sinks ...contract.EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.permanentSinks = append(o.permanentSinks, sinks...)
}

// Publish enqueues evt on its shard. It blocks while the shard is full,
// until ctx is done or the orchestrator stops.
func (o *Orchestrator) Publish(ctx context.Context, evt event.DomainEvent) error {
	select {
	case <-o.stopped:
		return errors.ErrEngineStopped
	default:
	}
	select {
	case o.shardFor(evt.Topic()) <- evt:
		return nil
	case <-ctx.Done():
		o.log.Warn("Shard full, event not published", "topic", evt.Topic(), "type", evt.Type())
		return fmt.Errorf("%w: publish %s: %w", errors.ErrTimeout, evt.Type(), ctx.Err())
	case <-o.stopped:
		return errors.ErrEngineStopped
	}
}

func (o *Orchestrator) Subscribe(topic string, handler func(event.DomainEvent), opts contract.SubscribeOptions) contract.ISubscription {
	return o.registry.Subscribe(topic, handler, opts)
}

// Start registers one fan-out worker per shard and runs the supervisor.
// It blocks until the supervisor returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	sinks := append([]contract.EventSink(nil), o.permanentSinks...)
	for i, shard := range o.shards {
		o.supervisor.Add(workers.NewEventFanout(o.log, i, shard, sinks, o.registry, o.sinkTimeout))
	}
	o.mu.Unlock()

	o.log.Info(fmt.Sprintf("Starting orchestrator with %d shard(s) and %d sink(s)", len(o.shards), len(sinks)))
	o.supervisor.Run(ctx)
	return nil
}

// Stop refuses new events, stops the workers and evicts every subscriber.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.log.Info("Requesting orchestrator shutdown")
		close(o.stopped)
		o.supervisor.Stop()
		o.registry.EvictAll(errors.ErrEngineStopped)
		o.log.Debug("Orchestrator stopped")
	})
}

// Channels exposes the shard channels for capacity telemetry.
func (o *Orchestrator) Channels() []workers.NamedChannel {
	res := make([]workers.NamedChannel, len(o.shards))
	for i, shard := range o.shards {
		res[i] = workers.NamedChannel{Name: fmt.Sprintf("shard-%d", i), Channel: shard}
	}
	return res
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) shardFor(topic string) chan event.DomainEvent {
	return o.shards[xxhash.Sum64String(topic)%uint64(len(o.shards))]
}
