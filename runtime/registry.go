package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"log/slog"
	"sync"
	"sync/atomic"
)

type Set map[uint64]*Subscription

// Registry maps topics to their live subscriptions.
type Registry struct {
	mu         sync.RWMutex
	log        *slog.Logger
	bufferSize int
	nextID     atomic.Uint64
	topics     map[string]Set
}

func NewRegistry(log *slog.Logger, bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Registry{
		log:        log,
		bufferSize: bufferSize,
		topics:     make(map[string]Set),
	}
}

// Subscribe registers handler on topic. The topic entry is created on the fly.
func (r *Registry) Subscribe(topic string, handler func(event.DomainEvent), opts contract.SubscribeOptions) *Subscription {
	sub := newSubscription(r.nextID.Add(1), topic, handler, opts, r.bufferSize, r.log, r.remove)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[topic]; !ok {
		r.topics[topic] = make(Set)
	}
	r.topics[topic][sub.id] = sub
	return sub
}

// SubscriptionsFor returns a snapshot of the subscriptions of topic.
func (r *Registry) SubscriptionsFor(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.topics[topic]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, 0, len(members))
	for _, sub := range members {
		subs = append(subs, sub)
	}
	return subs
}

// Deliver queues evt on every subscription of its topic.
func (r *Registry) Deliver(evt event.DomainEvent) int {
	subs := r.SubscriptionsFor(evt.Topic())
	for _, sub := range subs {
		sub.offer(evt)
	}
	return len(subs)
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.topics {
		n += len(members)
	}
	return n
}

// EvictAll drops every subscription with err and waits for their delivery
// goroutines to exit.
func (r *Registry) EvictAll(err error) {
	r.mu.RLock()
	var subs []*Subscription
	for _, members := range r.topics {
		for _, sub := range members {
			subs = append(subs, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.evict(err)
	}
	for _, sub := range subs {
		<-sub.stopped
	}
}

// remove forgets sub and drops empty topics so the map does not grow
// with every conversation ever opened.
func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.topics[sub.topic]; ok {
		delete(members, sub.id)
		if len(members) == 0 {
			delete(r.topics, sub.topic)
		}
	}
}
