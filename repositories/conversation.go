package repositories

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type IConversationRepository interface {
	FindOrCreate(a, b domain.UserID, newID domain.ConversationID, now time.Time) (domain.Conversation, bool, error)
	Get(id domain.ConversationID) (domain.Conversation, error)
	ListForUser(user domain.UserID) ([]domain.Conversation, error)
	ListAll() ([]domain.Conversation, error)
	ApplySummary(id domain.ConversationID, messageID domain.MessageID, text string, at time.Time) (domain.Conversation, bool, error)
}

type ConversationRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewConversationRepository(db *badger.DB, log *slog.Logger) ConversationRepository {
	return ConversationRepository{db: db, log: log}
}

func conversationKey(id domain.ConversationID) []byte {
	return []byte("conv:" + string(id))
}

func pairKey(a, b domain.UserID) []byte {
	return []byte("pair:" + domain.PairKey(a, b))
}

func userConversationPrefix(user domain.UserID) []byte {
	return []byte(fmt.Sprintf("uconv:%s:", user))
}

func userConversationKey(user domain.UserID, id domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("uconv:%s:%s", user, id))
}

// FindOrCreate returns the conversation of the unordered pair (a, b),
// creating it under newID when it does not exist yet. created reports
// which of the two happened. Both lookups and the creation share one
// transaction so two concurrent callers converge on a single conversation.
func (c ConversationRepository) FindOrCreate(a, b domain.UserID, newID domain.ConversationID, now time.Time) (domain.Conversation, bool, error) {
	if a == b {
		return domain.Conversation{}, false, errors.ErrSelfConversation
	}
	var (
		conv    domain.Conversation
		created bool
	)
	err := update(c.db, func(txn *badger.Txn) error {
		created = false
		value, found, err := getValue(txn, pairKey(a, b))
		if err != nil {
			return err
		}
		if found {
			conv, err = getConversation(txn, domain.ConversationID(value))
			return err
		}

		conv = domain.NewConversation(newID, a, b, now.UTC())
		if err = txn.Set(conversationKey(conv.ID), encodeConversation(conv)); err != nil {
			return err
		}
		if err = txn.Set(pairKey(a, b), []byte(conv.ID)); err != nil {
			return err
		}
		for _, participant := range conv.Participants {
			if err = txn.Set(userConversationKey(participant, conv.ID), nil); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if created {
		c.log.Debug("Conversation created", "conversation_id", conv.ID, "participants", conv.Participants)
	}
	return conv, created, nil
}

func (c ConversationRepository) Get(id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := view(c.db, func(txn *badger.Txn) error {
		var err error
		conv, err = getConversation(txn, id)
		return err
	})
	return conv, err
}

// ListForUser orders the conversations of user by last activity, most
// recent first. Conversations without messages come after active ones,
// newest created first.
func (c ConversationRepository) ListForUser(user domain.UserID) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	err := view(c.db, func(txn *badger.Txn) error {
		prefix := userConversationPrefix(user)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			conv, err := getConversation(txn, domain.ConversationID(id))
			if err != nil {
				return err
			}
			conversations = append(conversations, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortByActivity(conversations)
	return conversations, nil
}

// ListAll walks every conversation, used to rebuild summaries.
func (c ConversationRepository) ListAll() ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	err := view(c.db, func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte("conv:")
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				conv, err := decodeConversation(value)
				if err != nil {
					return err
				}
				conversations = append(conversations, conv)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return conversations, err
}

// ApplySummary stores the last message projection unless the stored one
// is newer. applied is false when the summary lost the comparison, which
// makes concurrent writers converge on the newest message whatever their
// arrival order.
func (c ConversationRepository) ApplySummary(id domain.ConversationID, messageID domain.MessageID, text string, at time.Time) (domain.Conversation, bool, error) {
	var (
		conv    domain.Conversation
		applied bool
	)
	err := update(c.db, func(txn *badger.Txn) error {
		var err error
		applied = false
		conv, err = getConversation(txn, id)
		if err != nil {
			return err
		}
		if !conv.ShouldApplySummary(messageID, at) {
			return nil
		}
		conv.LastMessageID = messageID
		conv.LastMessageText = text
		conv.LastMessageTime = at.UTC()
		applied = true
		return txn.Set(conversationKey(id), encodeConversation(conv))
	})
	return conv, applied, err
}

// SortByActivity sorts in place, most recently active first.
func SortByActivity(conversations []domain.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		ci, cj := conversations[i], conversations[j]
		if ci.HasMessages() != cj.HasMessages() {
			return ci.HasMessages()
		}
		ti, tj := ci.ActivityTime(), cj.ActivityTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ci.ID > cj.ID
	})
}

func getConversation(txn *badger.Txn, id domain.ConversationID) (domain.Conversation, error) {
	value, found, err := getValue(txn, conversationKey(id))
	if err != nil {
		return domain.Conversation{}, err
	}
	if !found {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	return decodeConversation(value)
}
