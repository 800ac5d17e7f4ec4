package workers

import (
	"chat-sync/domain/event"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTelemetryWorker_Sample(t *testing.T) {
	req := require.New(t)
	counter := event.NewCounter()
	counter.Increment(event.MessageAppendedType)
	counter.Increment(event.MessageAppendedType)
	counter.Increment(event.TypingChangedType)

	shard := make(chan event.DomainEvent, 4)
	shard <- event.TypingChanged{ConversationID: "c1"}

	worker := NewTelemetryWorker(slog.Default(), time.Second, counter,
		[]NamedChannel{{Name: "shard-0", Channel: shard}, {Name: "not-a-channel", Channel: 42}},
		func() int { return 7 })

	snapshot := worker.Sample()

	req.Equal(uint64(2), snapshot.Events[event.MessageAppendedType])
	req.Equal(uint64(1), snapshot.Events[event.TypingChangedType])
	req.Equal([]ChannelStat{{Name: "shard-0", Length: 1, Capacity: 4}}, snapshot.Channels)
	req.Equal(7, snapshot.Subscriptions)
}
