package repositories

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func newID() domain.ConversationID {
	return domain.ConversationID(uuid.NewString())
}

func Test_FindOrCreate_Is_Idempotent_And_Pairwise_Unique(t *testing.T) {
	req := require.New(t)
	repository := NewConversationRepository(openBadger(t), slog.Default())
	now := time.Now().UTC()

	// Given alice opens a conversation with bob
	first, created, err := repository.FindOrCreate("alice", "bob", newID(), now)
	req.NoError(err)
	req.True(created)
	req.False(first.HasMessages())

	// When both sides ask again
	again, created, err := repository.FindOrCreate("alice", "bob", newID(), now)
	req.NoError(err)
	req.False(created)
	reverse, created, err := repository.FindOrCreate("bob", "alice", newID(), now)
	req.NoError(err)
	req.False(created)

	// Then the same conversation comes back
	req.Equal(first.ID, again.ID)
	req.Equal(first.ID, reverse.ID)

	_, _, err = repository.FindOrCreate("alice", "alice", newID(), now)
	req.ErrorIs(err, errors.ErrValidation)
}

func Test_FindOrCreate_Concurrently_Converges(t *testing.T) {
	req := require.New(t)
	repository := NewConversationRepository(openBadger(t), slog.Default())
	now := time.Now().UTC()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []domain.ConversationID
	)
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := domain.UserID("alice"), domain.UserID("bob")
			if i%2 == 0 {
				a, b = b, a
			}
			conv, _, err := repository.FindOrCreate(a, b, newID(), now)
			if err != nil {
				req.ErrorIs(err, errors.ErrStorageConflict)
				return
			}
			mu.Lock()
			ids = append(ids, conv.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	req.NotEmpty(ids)
	req.Len(lo.Uniq(ids), 1)

	conversations, err := repository.ListForUser("alice")
	req.NoError(err)
	req.Len(conversations, 1)
}

func Test_ApplySummary_Last_Write_Wins_By_Timestamp(t *testing.T) {
	req := require.New(t)
	repository := NewConversationRepository(openBadger(t), slog.Default())
	now := time.Now().UTC()
	conv, _, err := repository.FindOrCreate("alice", "bob", newID(), now)
	req.NoError(err)

	// Given the newest message summary is applied first
	updated, applied, err := repository.ApplySummary(conv.ID, 2, "newest", now.Add(2*time.Second))
	req.NoError(err)
	req.True(applied)
	req.Equal("newest", updated.LastMessageText)

	// When an older summary resolves afterwards
	_, applied, err = repository.ApplySummary(conv.ID, 1, "older", now.Add(time.Second))
	req.NoError(err)
	req.False(applied)

	// Then the newest one is still visible
	stored, err := repository.Get(conv.ID)
	req.NoError(err)
	req.Equal("newest", stored.LastMessageText)
	req.Equal(now.Add(2*time.Second), stored.LastMessageTime)
	req.Equal(domain.MessageID(2), stored.LastMessageID)

	_, _, err = repository.ApplySummary("missing", 1, "x", now)
	req.ErrorIs(err, errors.ErrConversationNotFound)
}

func Test_ListForUser_Orders_By_Activity(t *testing.T) {
	req := require.New(t)
	repository := NewConversationRepository(openBadger(t), slog.Default())
	now := time.Now().UTC()

	withBob, _, err := repository.FindOrCreate("alice", "bob", newID(), now)
	req.NoError(err)
	withClara, _, err := repository.FindOrCreate("alice", "clara", newID(), now.Add(time.Second))
	req.NoError(err)
	withDan, _, err := repository.FindOrCreate("dan", "alice", newID(), now.Add(2*time.Second))
	req.NoError(err)
	emptyEarlier, _, err := repository.FindOrCreate("alice", "erin", newID(), now.Add(-time.Hour))
	req.NoError(err)
	_, _, err = repository.FindOrCreate("bob", "clara", newID(), now)
	req.NoError(err)

	// Given bob's conversation is the most recently active
	_, _, err = repository.ApplySummary(withClara.ID, 1, "hey", now.Add(time.Minute))
	req.NoError(err)
	_, _, err = repository.ApplySummary(withBob.ID, 1, "hello", now.Add(2*time.Minute))
	req.NoError(err)

	// Then active conversations come first, then empty ones newest first
	conversations, err := repository.ListForUser("alice")
	req.NoError(err)
	ids := lo.Map(conversations, func(c domain.Conversation, _ int) domain.ConversationID { return c.ID })
	req.Equal([]domain.ConversationID{withBob.ID, withClara.ID, withDan.ID, emptyEarlier.ID}, ids)

	all, err := repository.ListAll()
	req.NoError(err)
	req.Len(all, 5)
}
