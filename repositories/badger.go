package repositories

import (
	"chat-sync/errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// maxTxnAttempts bounds optimistic retries of one read-modify-write.
const maxTxnAttempts = 5

// update runs fn in a read-write transaction and replays it when badger
// detects a conflicting concurrent commit. fn must be side-effect free
// outside of txn since it may run several times.
func update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return storageError(err)
		}
	}
	return fmt.Errorf("%w after %d attempts", errors.ErrStorageConflict, maxTxnAttempts)
}

func view(db *badger.DB, fn func(txn *badger.Txn) error) error {
	return storageError(db.View(fn))
}

// storageError classifies badger failures that a caller may retry.
func storageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return errors.ErrStorageConflict
	case errors.Is(err, badger.ErrBlockedWrites), errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %w", errors.ErrBackendUnavailable, err)
	default:
		return err
	}
}

// getValue copies the value stored under key. found is false when the key
// does not exist.
func getValue(txn *badger.Txn, key []byte) (value []byte, found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err = item.ValueCopy(nil)
	return value, err == nil, err
}
