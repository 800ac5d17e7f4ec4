//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// IUserRepository is the durable side of presence. Profile fields belong to
// the identity subsystem and are only written through Upsert.
type IUserRepository interface {
	Upsert(ctx context.Context, user domain.User) error
	Get(ctx context.Context, id domain.UserID) (domain.User, error)
	GetMany(ctx context.Context, ids []domain.UserID) (map[domain.UserID]domain.User, error)
	ApplyPresence(ctx context.Context, presence domain.Presence) (bool, error)
}

type UserRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewUserRepository(db *badger.DB, log *slog.Logger) IUserRepository {
	return &UserRepository{db: db, log: log}
}

func userKey(id domain.UserID) []byte {
	return []byte("user:" + string(id))
}

// Upsert writes profile fields and keeps the stored presence untouched.
func (u UserRepository) Upsert(_ context.Context, user domain.User) error {
	return update(u.db, func(txn *badger.Txn) error {
		stored, found, err := getUser(txn, user.ID)
		if err != nil {
			return err
		}
		if found {
			user.Online = stored.Online
			user.LastSeen = stored.LastSeen
			user.LastChanged = stored.LastChanged
		}
		return txn.Set(userKey(user.ID), encodeUser(user))
	})
}

func (u UserRepository) Get(_ context.Context, id domain.UserID) (domain.User, error) {
	var user domain.User
	err := view(u.db, func(txn *badger.Txn) error {
		stored, found, err := getUser(txn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", errors.ErrUserNotFound, id)
		}
		user = stored
		return nil
	})
	return user, err
}

// GetMany skips unknown ids.
func (u UserRepository) GetMany(_ context.Context, ids []domain.UserID) (map[domain.UserID]domain.User, error) {
	users := make(map[domain.UserID]domain.User, len(ids))
	err := view(u.db, func(txn *badger.Txn) error {
		for _, id := range ids {
			stored, found, err := getUser(txn, id)
			if err != nil {
				return err
			}
			if found {
				users[id] = stored
			}
		}
		return nil
	})
	return users, err
}

// ApplyPresence writes presence through only when it is strictly newer
// than the stored state. A user unknown to this store gets a minimal
// record holding presence alone.
func (u UserRepository) ApplyPresence(_ context.Context, presence domain.Presence) (bool, error) {
	var applied bool
	err := update(u.db, func(txn *badger.Txn) error {
		applied = false
		stored, found, err := getUser(txn, presence.UserID)
		if err != nil {
			return err
		}
		if !found {
			stored = domain.User{ID: presence.UserID}
		}
		if !presence.NewerThan(stored.LastChanged) {
			return nil
		}
		applied = true
		return txn.Set(userKey(presence.UserID), encodeUser(stored.Apply(presence)))
	})
	if err != nil {
		return false, err
	}
	if !applied {
		u.log.Debug("Stale presence dropped", "user_id", presence.UserID, "last_changed", presence.LastChanged)
	}
	return applied, nil
}

func getUser(txn *badger.Txn, id domain.UserID) (domain.User, bool, error) {
	value, found, err := getValue(txn, userKey(id))
	if err != nil || !found {
		return domain.User{}, false, err
	}
	user, err := decodeUser(value)
	return user, err == nil, err
}
