//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type IMessageRepository interface {
	Append(req AppendRequest) (AppendResult, error)
	Get(conversationID domain.ConversationID, id domain.MessageID) (domain.Message, error)
	ListSince(conversationID domain.ConversationID, since domain.MessageID, limit int) ([]domain.Message, error)
	ListBefore(conversationID domain.ConversationID, before *domain.MessageID, limit int) ([]domain.Message, *domain.MessageID, error)
	Latest(conversationID domain.ConversationID) (domain.Message, bool, error)
	MarkRead(conversationID domain.ConversationID, id domain.MessageID, reader domain.UserID, at time.Time) (domain.Message, bool, error)
}

type AppendRequest struct {
	ConversationID domain.ConversationID
	SenderID       domain.UserID
	Text           string
	Language       string
	IdempotencyKey string
	Now            time.Time
}

// AppendResult flags replays of an already stored idempotency key.
type AppendResult struct {
	Message   domain.Message
	Duplicate bool
}

type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) MessageRepository {
	return MessageRepository{db: db, log: log, limitMessages: limitMessages}
}

// messageKey is formatted as "msg:{conversation}:{id}" with a 20-digit
// zero padded id so that lexicographic order is append order.
func messageKey(conversationID domain.ConversationID, id domain.MessageID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", conversationID, id))
}

func messagePrefix(conversationID domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("msg:%s:", conversationID))
}

func sequenceKey(conversationID domain.ConversationID) []byte {
	return []byte("mseq:" + string(conversationID))
}

func idempotencyKey(conversationID domain.ConversationID, key string) []byte {
	return []byte(fmt.Sprintf("idem:%s:%s", conversationID, key))
}

// Append stores a message at the next position of its conversation.
// Ids increase by one and timestamps strictly increase within a
// conversation: a clock that did not move forward is bumped by 1ns.
// A known idempotency key returns the stored message untouched.
func (m MessageRepository) Append(req AppendRequest) (AppendResult, error) {
	var res AppendResult
	err := update(m.db, func(txn *badger.Txn) error {
		if req.IdempotencyKey != "" {
			value, found, err := getValue(txn, idempotencyKey(req.ConversationID, req.IdempotencyKey))
			if err != nil {
				return err
			}
			if found {
				id, err := strconv.ParseUint(string(value), 10, 64)
				if err != nil {
					return fmt.Errorf("corrupted idempotency entry: %w", err)
				}
				message, err := getMessage(txn, req.ConversationID, domain.MessageID(id))
				if err != nil {
					return err
				}
				res = AppendResult{Message: message, Duplicate: true}
				return nil
			}
		}

		seq, err := getSequence(txn, req.ConversationID)
		if err != nil {
			return err
		}
		at := req.Now.UTC()
		if !seq.LastTime.IsZero() && !at.After(seq.LastTime) {
			at = seq.LastTime.Add(time.Nanosecond)
		}
		message := domain.Message{
			ID:              seq.LastID + 1,
			ConversationID:  req.ConversationID,
			SenderID:        req.SenderID,
			Text:            req.Text,
			Language:        req.Language,
			ServerTimestamp: at,
			IdempotencyKey:  req.IdempotencyKey,
		}
		if err = txn.Set(messageKey(message.ConversationID, message.ID), encodeMessage(message)); err != nil {
			return err
		}
		next := sequence{LastID: message.ID, LastTime: at}
		if err = txn.Set(sequenceKey(message.ConversationID), encodeSequence(next)); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			value := []byte(strconv.FormatUint(uint64(message.ID), 10))
			if err = txn.Set(idempotencyKey(message.ConversationID, req.IdempotencyKey), value); err != nil {
				return err
			}
		}
		res = AppendResult{Message: message}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func (m MessageRepository) Get(conversationID domain.ConversationID, id domain.MessageID) (domain.Message, error) {
	var message domain.Message
	err := view(m.db, func(txn *badger.Txn) error {
		var err error
		message, err = getMessage(txn, conversationID, id)
		return err
	})
	return message, err
}

// ListSince returns the messages appended after since, oldest first.
// A zero limit falls back to the configured limit.
func (m MessageRepository) ListSince(conversationID domain.ConversationID, since domain.MessageID, limit int) ([]domain.Message, error) {
	limit = m.effectiveLimit(limit)
	var messages []domain.Message
	err := view(m.db, func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(messageKey(conversationID, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				m.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
				break
			}
			message, err := itemMessage(it.Item())
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}

// ListBefore pages history backwards. The page is returned oldest first
// with the cursor to pass for the previous page, nil when the start of
// the conversation has been reached.
func (m MessageRepository) ListBefore(conversationID domain.ConversationID, before *domain.MessageID, limit int) ([]domain.Message, *domain.MessageID, error) {
	limit = m.effectiveLimit(limit)
	var reversed []domain.Message
	err := view(m.db, func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch before {
		case nil:
			// Past the newest possible key, then walk back
			seekKey = append(prefix, []byte("99999999999999999999")...)
		default:
			if *before <= 1 {
				return nil
			}
			seekKey = messageKey(conversationID, *before-1)
		}

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(reversed) == limit {
				break
			}
			message, err := itemMessage(it.Item())
			if err != nil {
				return err
			}
			reversed = append(reversed, message)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	messages := make([]domain.Message, len(reversed))
	for i, message := range reversed {
		messages[len(reversed)-1-i] = message
	}
	if len(messages) == 0 || messages[0].ID <= 1 {
		return messages, nil, nil
	}
	cursor := messages[0].ID
	return messages, &cursor, nil
}

// Latest returns the most recently appended message of a conversation.
func (m MessageRepository) Latest(conversationID domain.ConversationID) (domain.Message, bool, error) {
	messages, _, err := m.ListBefore(conversationID, nil, 1)
	if err != nil || len(messages) == 0 {
		return domain.Message{}, false, err
	}
	return messages[0], true, nil
}

// MarkRead flips the read flag once. changed is false when the message
// was already read.
func (m MessageRepository) MarkRead(conversationID domain.ConversationID, id domain.MessageID, reader domain.UserID, at time.Time) (domain.Message, bool, error) {
	var (
		message domain.Message
		changed bool
	)
	err := update(m.db, func(txn *badger.Txn) error {
		var err error
		changed = false
		message, err = getMessage(txn, conversationID, id)
		if err != nil {
			return err
		}
		if message.Read || !message.CanBeReadBy(reader) {
			return nil
		}
		message.Read = true
		message.ReadAt = at.UTC()
		changed = true
		return txn.Set(messageKey(conversationID, id), encodeMessage(message))
	})
	return message, changed, err
}

func (m MessageRepository) effectiveLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if m.limitMessages != nil {
		return *m.limitMessages
	}
	return 0
}

func getMessage(txn *badger.Txn, conversationID domain.ConversationID, id domain.MessageID) (domain.Message, error) {
	value, found, err := getValue(txn, messageKey(conversationID, id))
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		return domain.Message{}, fmt.Errorf("%w: %s/%d", errors.ErrMessageNotFound, conversationID, id)
	}
	return decodeMessage(value)
}

func getSequence(txn *badger.Txn, conversationID domain.ConversationID) (sequence, error) {
	value, found, err := getValue(txn, sequenceKey(conversationID))
	if err != nil || !found {
		return sequence{}, err
	}
	return decodeSequence(value)
}

func itemMessage(item *badger.Item) (domain.Message, error) {
	var message domain.Message
	err := item.Value(func(value []byte) error {
		var err error
		message, err = decodeMessage(value)
		return err
	})
	return message, err
}
