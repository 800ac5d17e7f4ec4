package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"bytes"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Subscription delivers the events of one topic to one handler.
// Events are queued without blocking the publisher and delivered by a
// dedicated goroutine, so a slow or failing handler only hurts itself.
type Subscription struct {
	id      uint64
	topic   string
	handler func(event.DomainEvent)
	onEvict func(error)
	log     *slog.Logger
	release func(*Subscription)

	queue   chan event.DomainEvent
	resumed chan []event.DomainEvent
	done    chan struct{}
	stopped chan struct{}

	mu     sync.Mutex
	closed bool
	paused bool

	// deliverMu is held for the whole duration of a callback.
	deliverMu sync.Mutex
	// runner identifies the goroutine running the callbacks.
	runner atomic.Uint64
}

var _ contract.ISubscription = (*Subscription)(nil)

func newSubscription(id uint64, topic string, handler func(event.DomainEvent),
	opts contract.SubscribeOptions, bufferSize int, log *slog.Logger, release func(*Subscription)) *Subscription {
	s := &Subscription{
		id:      id,
		topic:   topic,
		handler: handler,
		onEvict: opts.OnEvict,
		log:     log,
		release: release,
		queue:   make(chan event.DomainEvent, bufferSize),
		resumed: make(chan []event.DomainEvent, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		paused:  opts.Paused,
	}
	if !opts.Paused {
		s.resumed <- nil
	}
	go s.run()
	return s
}

func (s *Subscription) Topic() string { return s.topic }

// Resume releases a paused subscription. backlog is delivered before any
// queued event. Resuming twice is a no-op.
func (s *Subscription) Resume(backlog ...event.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.closed {
		return
	}
	s.paused = false
	s.resumed <- backlog
}

// Unsubscribe stops delivery. Once it returns no callback is running and
// none will run again. Idempotent. Called from the subscription's own
// callback it returns without waiting: the current callback is the last.
func (s *Subscription) Unsubscribe() {
	if !s.close() {
		return
	}
	s.release(s)
	if s.runner.Load() == goroutineID() {
		return
	}
	s.waitDelivery()
}

// Done is closed when the subscription is dropped, whatever the reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// offer queues evt without blocking. A full queue evicts the subscriber:
// it has to resync from the store rather than silently miss events.
func (s *Subscription) offer(evt event.DomainEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- evt:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()
	s.evict(fmt.Errorf("%w: topic %s", errors.ErrSlowConsumer, s.topic))
}

func (s *Subscription) evict(err error) {
	if !s.close() {
		return
	}
	s.release(s)
	s.log.Warn("Subscriber evicted", "topic", s.topic, "subscription", s.id, "error", err)
	if s.onEvict == nil {
		return
	}
	go func() {
		s.waitDelivery()
		s.onEvict(err)
	}()
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// waitDelivery returns once no callback is in flight.
func (s *Subscription) waitDelivery() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) run() {
	defer close(s.stopped)
	s.runner.Store(goroutineID())

	var backlog []event.DomainEvent
	select {
	case <-s.done:
		return
	case backlog = <-s.resumed:
	}
	for _, evt := range backlog {
		if !s.deliver(evt) {
			return
		}
	}
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.queue:
			if !s.deliver(evt) {
				return
			}
		}
	}
}

// deliver runs the handler with panic recovery. It reports false once the
// subscription is closed.
func (s *Subscription) deliver(evt event.DomainEvent) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.isClosed() {
		return false
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Subscriber callback panicked", "topic", s.topic, "subscription", s.id, "panic", r)
			}
		}()
		s.handler(evt)
	}()
	return true
}

// goroutineID reads the id of the calling goroutine from its stack header,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	header := buf[:goruntime.Stack(buf[:], false)]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
