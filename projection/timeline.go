// Package projection builds local timelines from observed events.
// Handles ordering, deduplication, and projections.
// Does not emit events or interact with UI directly.
package projection

import (
	"chat-sync/domain"
	"chat-sync/domain/event"
	"context"
	"slices"
	"sync"
)

// Timeline holds the local view of one conversation. Messages are kept in
// id order whatever the order they are observed in, and each id once.
type Timeline struct {
	mu             sync.RWMutex
	Owner          domain.UserID
	ConversationID domain.ConversationID
	messages       []domain.Message
}

func NewTimeline(owner domain.UserID, conversationID domain.ConversationID) *Timeline {
	return &Timeline{Owner: owner, ConversationID: conversationID}
}

// Consume applies e. Events of other conversations are ignored.
// Returns nil so a timeline can be used as a sink.
func (t *Timeline) Consume(_ context.Context, e event.DomainEvent) error {
	switch evt := e.(type) {
	case event.MessageAppended:
		t.Add(evt.Message)
	case event.MessageRead:
		t.MarkRead(evt.Receipt)
	}
	return nil
}

// Add inserts message at its position. It reports false for a message
// already known or foreign to the conversation.
func (t *Timeline) Add(message domain.Message) bool {
	if message.ConversationID != t.ConversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, found := slices.BinarySearchFunc(t.messages, message.ID, byID)
	if found {
		return false
	}
	t.messages = slices.Insert(t.messages, i, message)
	return true
}

func (t *Timeline) MarkRead(receipt domain.ReadReceipt) {
	if receipt.ConversationID != t.ConversationID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, found := slices.BinarySearchFunc(t.messages, receipt.MessageID, byID); found {
		t.messages[i].Read = true
		t.messages[i].ReadAt = receipt.ReadAt
	}
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// LastID is the resume cursor of the timeline.
func (t *Timeline) LastID() domain.MessageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return 0
	}
	return t.messages[len(t.messages)-1].ID
}

// Unread lists the messages the owner received and has not read yet.
func (t *Timeline) Unread() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var unread []domain.Message
	for _, m := range t.messages {
		if !m.Read && m.CanBeReadBy(t.Owner) {
			unread = append(unread, m)
		}
	}
	return unread
}

func byID(m domain.Message, id domain.MessageID) int {
	switch {
	case m.ID < id:
		return -1
	case m.ID > id:
		return 1
	default:
		return 0
	}
}
