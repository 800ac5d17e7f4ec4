package workers

import (
	"chat-sync/domain"
	"context"
	"log/slog"
	"sync"
	"time"
)

// SummaryWriter applies the last-message projection of a message.
type SummaryWriter interface {
	ApplySummary(ctx context.Context, message domain.Message) error
}

// SummaryWorker retries summary writes that failed right after an append.
// Only the newest pending message of each conversation is kept: an older
// one would lose the last-write-wins comparison anyway.
type SummaryWorker struct {
	mu            sync.Mutex
	log           *slog.Logger
	writer        SummaryWriter
	pending       map[domain.ConversationID]domain.Message
	retryInterval time.Duration
	wakeUp        chan struct{}
}

func NewSummaryWorker(log *slog.Logger, retryInterval time.Duration) *SummaryWorker {
	return &SummaryWorker{
		log:           log,
		pending:       make(map[domain.ConversationID]domain.Message),
		retryInterval: retryInterval,
		wakeUp:        make(chan struct{}, 1),
	}
}

// Bind sets the writer. The writer usually depends on the worker, hence
// the late binding.
func (w *SummaryWorker) Bind(writer SummaryWriter) *SummaryWorker {
	w.writer = writer
	return w
}

// Enqueue schedules message for a later summary write. Never blocks.
func (w *SummaryWorker) Enqueue(message domain.Message) {
	w.mu.Lock()
	current, ok := w.pending[message.ConversationID]
	if !ok || message.ID > current.ID {
		w.pending[message.ConversationID] = message
	}
	w.mu.Unlock()

	select {
	case w.wakeUp <- struct{}{}:
	default:
	}
}

// Pending returns the number of conversations waiting for a summary write.
func (w *SummaryWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *SummaryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := w.Pending(); n > 0 {
				w.log.Warn("Stopping with pending summaries, they will be rebuilt on start", "pending", n)
			}
			return nil
		case <-w.wakeUp:
			w.Flush(ctx)
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush tries every pending write once.
func (w *SummaryWorker) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := make([]domain.Message, 0, len(w.pending))
	for _, message := range w.pending {
		batch = append(batch, message)
	}
	w.mu.Unlock()

	for _, message := range batch {
		if err := w.writer.ApplySummary(ctx, message); err != nil {
			w.log.Warn("Summary write failed, will retry", "conversation_id", message.ConversationID, "message_id", message.ID, "error", err)
			continue
		}
		w.mu.Lock()
		if current, ok := w.pending[message.ConversationID]; ok && current.ID == message.ID {
			delete(w.pending, message.ConversationID)
		}
		w.mu.Unlock()
	}
}
