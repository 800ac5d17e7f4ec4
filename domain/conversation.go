package domain

import "time"

type ConversationID string

type UserID string

// Conversation is a durable two-party channel. The LastMessage* fields are
// a projection of the message log and can be rebuilt from it.
type Conversation struct {
	ID              ConversationID `json:"id"`
	Participants    [2]UserID      `json:"participants"`
	LastMessageText string         `json:"last_message_text"`
	LastMessageTime time.Time      `json:"last_message_time,omitzero"`
	LastMessageID   MessageID      `json:"last_message_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewConversation orders participants canonically so that (a, b) and
// (b, a) describe the same pair.
func NewConversation(id ConversationID, a, b UserID, createdAt time.Time) Conversation {
	lo, hi := orderPair(a, b)
	return Conversation{
		ID:           id,
		Participants: [2]UserID{lo, hi},
		CreatedAt:    createdAt,
	}
}

func (c Conversation) HasParticipant(user UserID) bool {
	return c.Participants[0] == user || c.Participants[1] == user
}

// Other returns the participant that is not user.
func (c Conversation) Other(user UserID) UserID {
	if c.Participants[0] == user {
		return c.Participants[1]
	}
	return c.Participants[0]
}

func (c Conversation) HasMessages() bool {
	return c.LastMessageID != 0
}

// ShouldApplySummary is the last-write-wins rule of the directory: the
// newest timestamp wins, the append position breaks ties.
func (c Conversation) ShouldApplySummary(id MessageID, at time.Time) bool {
	if !c.HasMessages() {
		return true
	}
	if at.Equal(c.LastMessageTime) {
		return id > c.LastMessageID
	}
	return at.After(c.LastMessageTime)
}

// ActivityTime is the sort key of conversation lists.
func (c Conversation) ActivityTime() time.Time {
	if c.HasMessages() {
		return c.LastMessageTime
	}
	return c.CreatedAt
}

// PairKey is the canonical, order-independent key of two users.
func PairKey(a, b UserID) string {
	lo, hi := orderPair(a, b)
	return string(lo) + "|" + string(hi)
}

func orderPair(a, b UserID) (UserID, UserID) {
	if b < a {
		return b, a
	}
	return a, b
}
