package domain

import "time"

// User is owned by the identity subsystem. This core only writes Online,
// LastSeen and LastChanged.
type User struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	LastChanged time.Time `json:"-"`
}

// Presence is a coarse online/offline state stamped by the server.
type Presence struct {
	UserID      UserID    `json:"user_id"`
	Online      bool      `json:"online"`
	LastChanged time.Time `json:"last_changed"`
}

// NewerThan guards against out-of-order reconciliation: only a strictly
// newer stamp may overwrite the stored state.
func (p Presence) NewerThan(stored time.Time) bool {
	return stored.IsZero() || p.LastChanged.After(stored)
}

// PresenceOf projects the durable user record.
func PresenceOf(u User) Presence {
	return Presence{UserID: u.ID, Online: u.Online, LastChanged: u.LastChanged}
}

// Apply returns the user updated with p.
func (u User) Apply(p Presence) User {
	u.Online = p.Online
	u.LastSeen = p.LastChanged
	u.LastChanged = p.LastChanged
	return u
}

// TypingState is ephemeral. A missing state means not typing.
type TypingState struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserID         UserID         `json:"user_id"`
	IsTyping       bool           `json:"is_typing"`
	ExpiresAt      time.Time      `json:"expires_at"`
}
