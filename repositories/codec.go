package repositories

import (
	"chat-sync/domain"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored in protobuf wire format. Field numbers are part of
// the on-disk format: never reuse or renumber them.
const (
	msgFieldID             protowire.Number = 1
	msgFieldConversationID protowire.Number = 2
	msgFieldSenderID       protowire.Number = 3
	msgFieldText           protowire.Number = 4
	msgFieldLanguage       protowire.Number = 5
	msgFieldTimestamp      protowire.Number = 6
	msgFieldRead           protowire.Number = 7
	msgFieldReadAt         protowire.Number = 8
	msgFieldIdempotencyKey protowire.Number = 9

	convFieldID              protowire.Number = 1
	convFieldParticipantA    protowire.Number = 2
	convFieldParticipantB    protowire.Number = 3
	convFieldLastMessageText protowire.Number = 4
	convFieldLastMessageTime protowire.Number = 5
	convFieldLastMessageID   protowire.Number = 6
	convFieldCreatedAt       protowire.Number = 7

	userFieldID          protowire.Number = 1
	userFieldDisplayName protowire.Number = 2
	userFieldAvatarRef   protowire.Number = 3
	userFieldOnline      protowire.Number = 4
	userFieldLastSeen    protowire.Number = 5
	userFieldLastChanged protowire.Number = 6

	seqFieldLastID   protowire.Number = 1
	seqFieldLastTime protowire.Number = 2
)

type recordWriter struct {
	b []byte
}

func (w *recordWriter) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendString(w.b, v)
}

func (w *recordWriter) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *recordWriter) bool(num protowire.Number, v bool) {
	if v {
		w.uint(num, 1)
	}
}

func (w *recordWriter) time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	w.uint(num, uint64(t.UnixNano()))
}

// readFields walks a record and hands every known wire value to the
// callbacks. Unknown wire types are skipped.
func readFields(b []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			onVarint(num, v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			onBytes(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeTime(v uint64) time.Time {
	return time.Unix(0, int64(v)).UTC()
}

func encodeMessage(m domain.Message) []byte {
	w := recordWriter{}
	w.uint(msgFieldID, uint64(m.ID))
	w.string(msgFieldConversationID, string(m.ConversationID))
	w.string(msgFieldSenderID, string(m.SenderID))
	w.string(msgFieldText, m.Text)
	w.string(msgFieldLanguage, m.Language)
	w.time(msgFieldTimestamp, m.ServerTimestamp)
	w.bool(msgFieldRead, m.Read)
	w.time(msgFieldReadAt, m.ReadAt)
	w.string(msgFieldIdempotencyKey, m.IdempotencyKey)
	return w.b
}

func decodeMessage(b []byte) (domain.Message, error) {
	var m domain.Message
	err := readFields(b,
		func(num protowire.Number, v uint64) {
			switch num {
			case msgFieldID:
				m.ID = domain.MessageID(v)
			case msgFieldTimestamp:
				m.ServerTimestamp = decodeTime(v)
			case msgFieldRead:
				m.Read = v != 0
			case msgFieldReadAt:
				m.ReadAt = decodeTime(v)
			}
		},
		func(num protowire.Number, v []byte) {
			switch num {
			case msgFieldConversationID:
				m.ConversationID = domain.ConversationID(v)
			case msgFieldSenderID:
				m.SenderID = domain.UserID(v)
			case msgFieldText:
				m.Text = string(v)
			case msgFieldLanguage:
				m.Language = string(v)
			case msgFieldIdempotencyKey:
				m.IdempotencyKey = string(v)
			}
		})
	return m, err
}

func encodeConversation(c domain.Conversation) []byte {
	w := recordWriter{}
	w.string(convFieldID, string(c.ID))
	w.string(convFieldParticipantA, string(c.Participants[0]))
	w.string(convFieldParticipantB, string(c.Participants[1]))
	w.string(convFieldLastMessageText, c.LastMessageText)
	w.time(convFieldLastMessageTime, c.LastMessageTime)
	w.uint(convFieldLastMessageID, uint64(c.LastMessageID))
	w.time(convFieldCreatedAt, c.CreatedAt)
	return w.b
}

func decodeConversation(b []byte) (domain.Conversation, error) {
	var c domain.Conversation
	err := readFields(b,
		func(num protowire.Number, v uint64) {
			switch num {
			case convFieldLastMessageTime:
				c.LastMessageTime = decodeTime(v)
			case convFieldLastMessageID:
				c.LastMessageID = domain.MessageID(v)
			case convFieldCreatedAt:
				c.CreatedAt = decodeTime(v)
			}
		},
		func(num protowire.Number, v []byte) {
			switch num {
			case convFieldID:
				c.ID = domain.ConversationID(v)
			case convFieldParticipantA:
				c.Participants[0] = domain.UserID(v)
			case convFieldParticipantB:
				c.Participants[1] = domain.UserID(v)
			case convFieldLastMessageText:
				c.LastMessageText = string(v)
			}
		})
	return c, err
}

func encodeUser(u domain.User) []byte {
	w := recordWriter{}
	w.string(userFieldID, string(u.ID))
	w.string(userFieldDisplayName, u.DisplayName)
	w.string(userFieldAvatarRef, u.AvatarRef)
	w.bool(userFieldOnline, u.Online)
	w.time(userFieldLastSeen, u.LastSeen)
	w.time(userFieldLastChanged, u.LastChanged)
	return w.b
}

func decodeUser(b []byte) (domain.User, error) {
	var u domain.User
	err := readFields(b,
		func(num protowire.Number, v uint64) {
			switch num {
			case userFieldOnline:
				u.Online = v != 0
			case userFieldLastSeen:
				u.LastSeen = decodeTime(v)
			case userFieldLastChanged:
				u.LastChanged = decodeTime(v)
			}
		},
		func(num protowire.Number, v []byte) {
			switch num {
			case userFieldID:
				u.ID = domain.UserID(v)
			case userFieldDisplayName:
				u.DisplayName = string(v)
			case userFieldAvatarRef:
				u.AvatarRef = string(v)
			}
		})
	return u, err
}

// sequence is the append cursor of one conversation.
type sequence struct {
	LastID   domain.MessageID
	LastTime time.Time
}

func encodeSequence(s sequence) []byte {
	w := recordWriter{}
	w.uint(seqFieldLastID, uint64(s.LastID))
	w.time(seqFieldLastTime, s.LastTime)
	return w.b
}

func decodeSequence(b []byte) (sequence, error) {
	var s sequence
	err := readFields(b,
		func(num protowire.Number, v uint64) {
			switch num {
			case seqFieldLastID:
				s.LastID = domain.MessageID(v)
			case seqFieldLastTime:
				s.LastTime = decodeTime(v)
			}
		},
		func(protowire.Number, []byte) {})
	return s, err
}
