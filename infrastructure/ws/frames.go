// Package ws is the real-time edge: one websocket per client session,
// JSON frames both ways.
package ws

import "chat-sync/domain"

// Client operations.
const (
	OpSend              = "send"
	OpRead              = "read"
	OpTyping            = "typing"
	OpSubscribeMessages = "subscribe_messages"
	OpSubscribeTyping   = "subscribe_typing"
	OpSubscribePresence = "subscribe_presence"
	OpSubscribeList     = "subscribe_conversations"
	OpUnsubscribe       = "unsubscribe"
	OpHeartbeat         = "heartbeat"
)

// Server frames.
const (
	FrameAck          = "ack"
	FrameError        = "error"
	FrameEvicted      = "evicted"
	FrameMessage      = "message"
	FrameRead         = "read"
	FrameTyping       = "typing"
	FramePresence     = "presence"
	FrameConversation = "conversation"
)

type ClientFrame struct {
	Type           string                `json:"type"`
	RequestID      string                `json:"request_id,omitempty"`
	ConversationID domain.ConversationID `json:"conversation_id,omitempty"`
	UserID         domain.UserID         `json:"user_id,omitempty"`
	MessageID      domain.MessageID      `json:"message_id,omitempty"`
	Since          domain.MessageID      `json:"since,omitempty"`
	Text           string                `json:"text,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	IsTyping       bool                  `json:"is_typing,omitempty"`
	SubscriptionID string                `json:"subscription_id,omitempty"`
}

type TypingUsers struct {
	ConversationID domain.ConversationID `json:"conversation_id"`
	Users          []domain.UserID       `json:"users"`
}

type ServerFrame struct {
	Type           string               `json:"type"`
	RequestID      string               `json:"request_id,omitempty"`
	SubscriptionID string               `json:"subscription_id,omitempty"`
	Error          string               `json:"error,omitempty"`
	Retryable      bool                 `json:"retryable,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	Receipt        *domain.ReadReceipt  `json:"receipt,omitempty"`
	Typing         *TypingUsers         `json:"typing,omitempty"`
	Presence       *domain.Presence     `json:"presence,omitempty"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
}

// SubscriptionID names the subscription of a client frame. Subscribing
// twice to the same target replaces the first subscription.
func SubscriptionID(f ClientFrame) string {
	switch f.Type {
	case OpSubscribeMessages:
		return "messages:" + string(f.ConversationID)
	case OpSubscribeTyping:
		return "typing:" + string(f.ConversationID)
	case OpSubscribePresence:
		return "presence:" + string(f.UserID)
	case OpSubscribeList:
		return "conversations"
	default:
		return f.SubscriptionID
	}
}
