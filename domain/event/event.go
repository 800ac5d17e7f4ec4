// Package event defines the events flowing through the fan-out pipeline.
// Every event names the topic it is delivered on; per-topic order is the
// order of publication.
package event

import (
	"chat-sync/domain"
	"time"
)

type Type string

const (
	MessageAppendedType     Type = "MESSAGE_APPENDED"
	MessageReadType         Type = "MESSAGE_READ"
	TypingChangedType       Type = "TYPING_CHANGED"
	PresenceChangedType     Type = "PRESENCE_CHANGED"
	ConversationUpdatedType Type = "CONVERSATION_UPDATED"
)

type DomainEvent interface {
	Topic() string
	Type() Type
}

func MessagesTopic(id domain.ConversationID) string {
	return "messages:" + string(id)
}

func TypingTopic(id domain.ConversationID) string {
	return "typing:" + string(id)
}

func PresenceTopic(id domain.UserID) string {
	return "presence:" + string(id)
}

func ConversationsTopic(id domain.UserID) string {
	return "conversations:" + string(id)
}

type MessageAppended struct {
	Message domain.Message
}

func (e MessageAppended) Topic() string { return MessagesTopic(e.Message.ConversationID) }
func (e MessageAppended) Type() Type    { return MessageAppendedType }

type MessageRead struct {
	Receipt domain.ReadReceipt
}

func (e MessageRead) Topic() string { return MessagesTopic(e.Receipt.ConversationID) }
func (e MessageRead) Type() Type    { return MessageReadType }

// TypingChanged carries the full set of typing users so that a subscriber
// never has to merge deltas. Version increases with every change of the
// conversation and lets a subscriber drop snapshots older than the one it
// already holds.
type TypingChanged struct {
	ConversationID domain.ConversationID
	Users          []domain.UserID
	Version        uint64
	At             time.Time
}

func (e TypingChanged) Topic() string { return TypingTopic(e.ConversationID) }
func (e TypingChanged) Type() Type    { return TypingChangedType }

type PresenceChanged struct {
	Presence domain.Presence
}

func (e PresenceChanged) Topic() string { return PresenceTopic(e.Presence.UserID) }
func (e PresenceChanged) Type() Type    { return PresenceChangedType }

// ConversationUpdated notifies one participant that a conversation summary
// moved. It is published once per participant.
type ConversationUpdated struct {
	Recipient    domain.UserID
	Conversation domain.Conversation
}

func (e ConversationUpdated) Topic() string { return ConversationsTopic(e.Recipient) }
func (e ConversationUpdated) Type() Type    { return ConversationUpdatedType }
