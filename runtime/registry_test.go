package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func appended(conv domain.ConversationID, id domain.MessageID) event.MessageAppended {
	return event.MessageAppended{Message: domain.Message{ID: id, ConversationID: conv}}
}

// recorder collects delivered message ids.
type recorder struct {
	mu  sync.Mutex
	ids []domain.MessageID
	got chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 100)}
}

func (r *recorder) handle(evt event.DomainEvent) {
	r.mu.Lock()
	r.ids = append(r.ids, evt.(event.MessageAppended).Message.ID)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []domain.MessageID {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(time.Second):
			t.Fatalf("expected %d deliveries", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MessageID(nil), r.ids...)
}

func TestRegistry_Subscribe_And_Unsubscribe(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(logs.GetLoggerFromLevel(slog.LevelDebug), 10)
	rec := newRecorder()

	// Given no subscriber
	req.Zero(registry.Count())

	// When a subscriber joins a conversation topic
	sub := registry.Subscribe(event.MessagesTopic("c1"), rec.handle, contract.SubscribeOptions{})
	req.Equal(1, registry.Count())
	req.Len(registry.SubscriptionsFor(event.MessagesTopic("c1")), 1)
	req.Empty(registry.SubscriptionsFor(event.MessagesTopic("c2")))

	// Then it receives the events of that topic
	req.Equal(1, registry.Deliver(appended("c1", 1)))
	req.Equal(0, registry.Deliver(appended("c2", 1)))
	req.Equal([]domain.MessageID{1}, rec.wait(t, 1))

	// And nothing once unsubscribed
	sub.Unsubscribe()
	sub.Unsubscribe()
	req.Zero(registry.Count())
	req.Equal(0, registry.Deliver(appended("c1", 2)))
}

func TestRegistry_Unsubscribe_Waits_For_Inflight_Callback(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu       sync.Mutex
		finished bool
		calls    int
	)
	sub := registry.Subscribe(event.MessagesTopic("c1"), func(event.DomainEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}, contract.SubscribeOptions{})

	registry.Deliver(appended("c1", 1))
	registry.Deliver(appended("c1", 2))
	<-entered

	// When unsubscribing while the callback runs
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	sub.Unsubscribe()

	// Then the callback completed and the queued event was never delivered
	mu.Lock()
	defer mu.Unlock()
	req.True(finished)
	req.Equal(1, calls)
}

func TestRegistry_Unsubscribe_From_Own_Callback(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(logs.GetLoggerFromLevel(slog.LevelDebug), 10)

	// Given a subscriber that only wants the first event
	var (
		sub   *Subscription
		calls atomic.Int32
	)
	returned := make(chan struct{})
	subscribed := make(chan struct{})
	sub = registry.Subscribe(event.MessagesTopic("c1"), func(event.DomainEvent) {
		<-subscribed
		calls.Add(1)
		sub.Unsubscribe()
		close(returned)
	}, contract.SubscribeOptions{})
	close(subscribed)

	// When it unsubscribes while handling it
	registry.Deliver(appended("c1", 1))
	registry.Deliver(appended("c1", 2))

	// Then the call returns and nothing else is delivered
	select {
	case <-returned:
	case <-time.After(time.Second):
		req.Fail("Unsubscribe inside the callback did not return")
	}
	<-sub.Done()
	req.Eventually(func() bool {
		select {
		case <-sub.stopped:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	req.Zero(registry.Count())
	req.Equal(0, registry.Deliver(appended("c1", 3)))
	req.Equal(int32(1), calls.Load())

	// And an outside call after that is a no-op
	sub.Unsubscribe()
}

func TestRegistry_Paused_Subscription_Delivers_Backlog_First(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), 10)
	rec := newRecorder()

	// Given a paused subscription receiving live events
	sub := registry.Subscribe("topic", rec.handle, contract.SubscribeOptions{Paused: true})
	registry.Deliver(appended("c1", 3))
	registry.Deliver(appended("c1", 4))

	// When resumed with the stored history
	sub.Resume(appended("c1", 1), appended("c1", 2))
	sub.Resume(appended("c1", 42))

	// Then history comes first, then live events
	req.Equal([]domain.MessageID{1, 2, 3, 4}, rec.wait(t, 4))
	sub.Unsubscribe()
}

func TestRegistry_Slow_Consumer_Is_Evicted(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), 2)

	evicted := make(chan error, 1)
	sub := registry.Subscribe("topic", func(event.DomainEvent) {}, contract.SubscribeOptions{
		Paused:  true,
		OnEvict: func(err error) { evicted <- err },
	})

	// When more events arrive than the queue holds
	for i := range 3 {
		registry.Deliver(appended("c1", domain.MessageID(i+1)))
	}

	// Then the subscriber is dropped and told to resync
	select {
	case err := <-evicted:
		req.ErrorIs(err, errors.ErrSlowConsumer)
	case <-time.After(time.Second):
		req.Fail("Slow consumer was not evicted")
	}
	req.Zero(registry.Count())
	<-sub.Done()
}

func TestRegistry_Panicking_Subscriber_Does_Not_Hurt_Others(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), 10)
	rec := newRecorder()

	registry.Subscribe("topic", func(event.DomainEvent) { panic("boom") }, contract.SubscribeOptions{})
	registry.Subscribe("topic", rec.handle, contract.SubscribeOptions{})

	registry.Deliver(appended("c1", 1))
	registry.Deliver(appended("c1", 2))

	req.Equal([]domain.MessageID{1, 2}, rec.wait(t, 2))
	req.Equal(2, registry.Count())
}

func TestRegistry_EvictAll(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), 10)

	evicted := make(chan error, 2)
	onEvict := func(err error) { evicted <- err }
	registry.Subscribe("a", func(event.DomainEvent) {}, contract.SubscribeOptions{OnEvict: onEvict})
	registry.Subscribe("b", func(event.DomainEvent) {}, contract.SubscribeOptions{OnEvict: onEvict})

	registry.EvictAll(errors.ErrEngineStopped)

	req.Zero(registry.Count())
	for range 2 {
		req.ErrorIs(<-evicted, errors.ErrEngineStopped)
	}
}
