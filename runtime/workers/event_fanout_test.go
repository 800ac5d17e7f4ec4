package workers

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/mocks"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestEventFanoutWorker_Fanout(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	mockSink := mocks.NewMockEventSink(ctrl)

	fanoutWorker := NewEventFanout(log, 0, nil,
		[]contract.EventSink{mockSink, mockSink}, mockRegistry, 10*time.Second)

	evt := event.MessageAppended{Message: domain.Message{ID: 1, ConversationID: "c1"}}

	// Given both permanent sinks consume the event, then subscribers get it
	gomock.InOrder(
		mockSink.EXPECT().Consume(gomock.Any(), evt).Return(nil).Times(2),
		mockRegistry.EXPECT().Deliver(evt).Return(3).Times(1),
	)

	// When an event is handled by the worker
	fanoutWorker.Fanout(context.Background(), evt)
}

func TestEventFanoutWorker_SinkTimeout(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRegistry := mocks.NewMockIRegistry(ctrl)
	mockSink := mocks.NewMockEventSink(ctrl)
	sinkTimeout := 20 * time.Millisecond
	fanoutWorker := NewEventFanout(log, 0, nil,
		[]contract.EventSink{mockSink}, mockRegistry, sinkTimeout)

	// Given a sink that blocks until its deadline
	mockSink.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, evt event.DomainEvent) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		Times(1)
	// Then subscribers are still served
	mockRegistry.EXPECT().Deliver(gomock.Any()).Return(1).Times(1)

	start := time.Now()
	fanoutWorker.Fanout(context.Background(), event.PresenceChanged{Presence: domain.Presence{UserID: "alice"}})
	req.Less(time.Since(start), time.Second)
}

func TestEventFanoutWorker_SinkPanicIsIsolated(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRegistry := mocks.NewMockIRegistry(ctrl)
	panicking := mocks.NewMockEventSink(ctrl)
	healthy := mocks.NewMockEventSink(ctrl)
	fanoutWorker := NewEventFanout(log, 0, nil,
		[]contract.EventSink{panicking, healthy}, mockRegistry, time.Second)

	panicking.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, event.DomainEvent) error { panic("boom") })
	healthy.EXPECT().Consume(gomock.Any(), gomock.Any()).Return(nil)
	mockRegistry.EXPECT().Deliver(gomock.Any()).Return(0)

	fanoutWorker.Fanout(context.Background(), event.TypingChanged{ConversationID: "c1"})
}

func TestEventFanoutWorker_Run_Drains_Channel(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRegistry := mocks.NewMockIRegistry(ctrl)
	events := make(chan event.DomainEvent, 2)
	fanoutWorker := NewEventFanout(log, 0, events, nil, mockRegistry, time.Second)

	done := make(chan struct{})
	count := 0
	mockRegistry.EXPECT().Deliver(gomock.Any()).
		DoAndReturn(func(event.DomainEvent) int {
			count++
			if count == 2 {
				close(done)
			}
			return 1
		}).Times(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fanoutWorker.Run(ctx) }()

	events <- event.MessageAppended{Message: domain.Message{ID: 1, ConversationID: "c1"}}
	events <- event.MessageAppended{Message: domain.Message{ID: 2, ConversationID: "c1"}}

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("Events were not fanned out in time")
	}
}
