// Package domain contains core concepts of the chat system.
// This file defines Message events and related rules.
// Messages are immutable once appended, except for the read flag.
package domain

import (
	"strings"
	"time"
)

// MessageID is the per-conversation append position, starting at 1.
type MessageID uint64

// Message represents an immutable chat entry.
type Message struct {
	ID              MessageID      `json:"id"`
	ConversationID  ConversationID `json:"conversation_id"`
	SenderID        UserID         `json:"sender_id"`
	Text            string         `json:"text"`
	Language        string         `json:"language,omitempty"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
	Read            bool           `json:"read"`
	ReadAt          time.Time      `json:"read_at,omitzero"`
	IdempotencyKey  string         `json:"-"`
}

// ReadReceipt is emitted the first time a message flips to read.
type ReadReceipt struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageID      MessageID      `json:"message_id"`
	ReaderID       UserID         `json:"reader_id"`
	ReadAt         time.Time      `json:"read_at"`
}

// CanBeReadBy tells whether reader may flip the read flag.
// A sender never marks its own message read.
func (m Message) CanBeReadBy(reader UserID) bool {
	return reader != m.SenderID
}

// NormalizeText trims surrounding whitespace. An empty result means the
// text must be rejected.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
