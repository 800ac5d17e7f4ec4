package services

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"chat-sync/mocks"
	"chat-sync/moderation"
	"chat-sync/repositories"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type chatFixture struct {
	service       *ChatService
	messages      repositories.MessageRepository
	conversations repositories.ConversationRepository
	users         repositories.IUserRepository
	typing        *TypingService
}

func newChatFixture(t *testing.T) chatFixture {
	t.Helper()
	db := openBadger(t)
	log := newLogger()
	bus := startBus(t)
	f := chatFixture{
		messages:      repositories.NewMessageRepository(db, log, nil),
		conversations: repositories.NewConversationRepository(db, log),
		users:         repositories.NewUserRepository(db, log),
	}
	f.typing = NewTypingService(log, bus, f.conversations, contract.SystemClock{}, time.Minute, time.Second)
	t.Cleanup(f.typing.Stop)
	f.service = NewChatService(log, f.messages, f.conversations, f.users, f.typing, bus, contract.SystemClock{}, testPolicy(), 1000)
	return f
}

func (f chatFixture) conversation(t *testing.T, a, b domain.UserID) domain.Conversation {
	t.Helper()
	conv, err := f.service.GetOrCreateConversation(context.Background(), domain.FindOrCreateCommand{UserID: a, OtherUserID: b})
	require.NoError(t, err)
	return conv
}

func (f chatFixture) send(t *testing.T, conv domain.Conversation, sender domain.UserID, text string) domain.Message {
	t.Helper()
	msg, err := f.service.SendMessage(context.Background(), domain.SendMessageCommand{ConversationID: conv.ID, SenderID: sender, Text: text})
	require.NoError(t, err)
	return msg
}

func ids(messages []domain.Message) []domain.MessageID {
	res := make([]domain.MessageID, len(messages))
	for i, m := range messages {
		res[i] = m.ID
	}
	return res
}

func Test_Alice_And_Bob_Chat(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	req.NoError(f.users.Upsert(ctx, domain.User{ID: "alice", DisplayName: "Alice", AvatarRef: "alice.png"}))

	// Given both sides open the conversation
	conv := f.conversation(t, "alice", "bob")
	req.Equal(conv.ID, f.conversation(t, "bob", "alice").ID)

	bobReceived := &collector[domain.Message]{}
	bobSub, err := f.service.SubscribeMessages(ctx, SubscribeMessagesQuery{ConversationID: conv.ID, ViewerID: "bob"},
		MessageHandlers{OnMessage: bobReceived.add})
	req.NoError(err)
	defer bobSub.Unsubscribe()
	aliceReceipts := &collector[domain.ReadReceipt]{}
	aliceSub, err := f.service.SubscribeMessages(ctx, SubscribeMessagesQuery{ConversationID: conv.ID, ViewerID: "alice"},
		MessageHandlers{OnRead: aliceReceipts.add})
	req.NoError(err)
	defer aliceSub.Unsubscribe()

	// When alice says hi while typing
	req.NoError(f.typing.SetTyping(ctx, domain.SetTypingCommand{ConversationID: conv.ID, UserID: "alice", IsTyping: true}))
	msg := f.send(t, conv, "alice", "  hi bob  ")
	req.Equal(domain.MessageID(1), msg.ID)
	req.Equal("hi bob", msg.Text)
	req.False(msg.Read)
	req.Empty(f.typing.Typing(conv.ID))

	// Then bob receives it and reads it
	req.Eventually(func() bool { return bobReceived.len() == 1 }, time.Second, 10*time.Millisecond)
	req.Equal(msg, bobReceived.snapshot()[0])

	read, err := f.service.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, MessageID: msg.ID, ReaderID: "bob"})
	req.NoError(err)
	req.True(read.Read)
	_, err = f.service.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, MessageID: msg.ID, ReaderID: "bob"})
	req.NoError(err)

	// And alice gets a single receipt
	req.Eventually(func() bool { return aliceReceipts.len() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	req.Len(aliceReceipts.snapshot(), 1)
	req.Equal(domain.UserID("bob"), aliceReceipts.snapshot()[0].ReaderID)

	// And bob's list shows the last message with alice's profile
	views, err := f.service.ListConversations(ctx, "bob")
	req.NoError(err)
	req.Len(views, 1)
	req.Equal("hi bob", views[0].LastMessageText)
	req.Equal(msg.ID, views[0].LastMessageID)
	req.Equal("Alice", views[0].Other.DisplayName)
	req.False(views[0].Presence.Online)
}

func Test_SendMessage_Validation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")

	_, err := f.service.SendMessage(ctx, domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "alice", Text: " \n\t "})
	req.ErrorIs(err, errors.ErrEmptyText)

	_, err = f.service.SendMessage(ctx, domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "carol", Text: "hey"})
	req.ErrorIs(err, errors.ErrNotParticipant)

	_, err = f.service.SendMessage(ctx, domain.SendMessageCommand{ConversationID: "missing", SenderID: "alice", Text: "hey"})
	req.ErrorIs(err, errors.ErrConversationNotFound)
	req.ErrorIs(err, errors.ErrNotFound)

	_, err = f.service.GetOrCreateConversation(ctx, domain.FindOrCreateCommand{UserID: "alice", OtherUserID: "alice"})
	req.ErrorIs(err, errors.ErrSelfConversation)

	_, err = f.service.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, MessageID: 42, ReaderID: "bob"})
	req.ErrorIs(err, errors.ErrMessageNotFound)

	messages, err := f.messages.ListSince(conv.ID, 0, 0)
	req.NoError(err)
	req.Empty(messages)
}

func Test_SendMessage_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	cmd := domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "alice", Text: "once", IdempotencyKey: "k-1"}

	first, err := f.service.SendMessage(ctx, cmd)
	req.NoError(err)
	again, err := f.service.SendMessage(ctx, cmd)
	req.NoError(err)

	req.Equal(first, again)
	messages, err := f.messages.ListSince(conv.ID, 0, 0)
	req.NoError(err)
	req.Len(messages, 1)
}

func Test_SubscribeMessages_Backlog_Then_Live_Without_Gaps(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	for _, text := range []string{"one", "two", "three"} {
		f.send(t, conv, "alice", text)
	}

	// Given bob reconnecting after message 1
	received := &collector[domain.Message]{}
	sub, err := f.service.SubscribeMessages(ctx, SubscribeMessagesQuery{ConversationID: conv.ID, ViewerID: "bob", Since: 1},
		MessageHandlers{OnMessage: received.add})
	req.NoError(err)

	// When more messages arrive
	f.send(t, conv, "bob", "four")
	f.send(t, conv, "alice", "five")

	// Then he gets the missed ones and the new ones, in order, once
	req.Eventually(func() bool { return received.len() == 4 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	req.Equal([]domain.MessageID{2, 3, 4, 5}, ids(received.snapshot()))

	// And nothing after unsubscribing
	sub.Unsubscribe()
	f.send(t, conv, "alice", "six")
	time.Sleep(20 * time.Millisecond)
	req.Equal(4, received.len())

	_, err = f.service.SubscribeMessages(ctx, SubscribeMessagesQuery{ConversationID: conv.ID, ViewerID: "carol"}, MessageHandlers{})
	req.ErrorIs(err, errors.ErrNotParticipant)
}

func Test_ListMessages_Forward_And_Backward(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	for i := 0; i < 5; i++ {
		f.send(t, conv, "alice", "message")
	}

	page, err := f.service.ListMessages(ctx, domain.ListMessagesQuery{ConversationID: conv.ID, ViewerID: "bob", Since: 3})
	req.NoError(err)
	req.Equal([]domain.MessageID{4, 5}, ids(page.Messages))

	page, err = f.service.ListMessages(ctx, domain.ListMessagesQuery{ConversationID: conv.ID, ViewerID: "bob", Backward: true, Limit: 2})
	req.NoError(err)
	req.Equal([]domain.MessageID{4, 5}, ids(page.Messages))
	req.NotNil(page.NextBefore)

	page, err = f.service.ListMessages(ctx, domain.ListMessagesQuery{ConversationID: conv.ID, ViewerID: "bob", Backward: true, Before: page.NextBefore, Limit: 2})
	req.NoError(err)
	req.Equal([]domain.MessageID{2, 3}, ids(page.Messages))

	_, err = f.service.ListMessages(ctx, domain.ListMessagesQuery{ConversationID: conv.ID, ViewerID: "carol"})
	req.ErrorIs(err, errors.ErrNotParticipant)
}

func Test_SubscribeConversations_Refreshes_The_List(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	updates := &collector[domain.Conversation]{}
	sub, err := f.service.SubscribeConversations(ctx, "bob", updates.add)
	req.NoError(err)
	defer sub.Unsubscribe()

	conv := f.conversation(t, "alice", "bob")
	f.send(t, conv, "alice", "latest")

	req.Eventually(func() bool { return updates.len() == 2 }, time.Second, 10*time.Millisecond)
	req.Equal("latest", updates.snapshot()[1].LastMessageText)
}

func Test_SendMessage_Censors_Forbidden_Words(t *testing.T) {
	req := require.New(t)
	f := newChatFixture(t)
	moderator, err := moderation.NewModerator([]string{"badger"}, '*', newLogger())
	req.NoError(err)
	f.service.WithModerator(moderator)
	conv := f.conversation(t, "alice", "bob")

	msg := f.send(t, conv, "alice", "I love badger!")
	req.Equal("I love ******!", msg.Text)
}

// failingSummaries refuses every summary write.
type failingSummaries struct {
	repositories.ConversationRepository
}

func (failingSummaries) ApplySummary(domain.ConversationID, domain.MessageID, string, time.Time) (domain.Conversation, bool, error) {
	return domain.Conversation{}, false, errors.ErrBackendUnavailable
}

type queue struct {
	collector[domain.Message]
}

func (q *queue) Enqueue(message domain.Message) { q.add(message) }

func Test_SendMessage_Defers_Failed_Summary_And_Rebuild_Repairs_It(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	pending := &queue{}
	broken := NewChatService(newLogger(), f.messages, failingSummaries{f.conversations}, f.users, nil,
		startBus(t), contract.SystemClock{}, testPolicy(), 1000).WithSummaryQueue(pending)

	// When the directory is down, the send still succeeds
	msg, err := broken.SendMessage(ctx, domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "alice", Text: "hello"})
	req.NoError(err)
	req.Equal([]domain.Message{msg}, pending.snapshot())

	stored, err := f.conversations.Get(conv.ID)
	req.NoError(err)
	req.False(stored.HasMessages())

	// Then a rebuild catches the directory up, once
	rebuilt, err := f.service.RebuildSummaries(ctx)
	req.NoError(err)
	req.Equal(1, rebuilt)
	rebuilt, err = f.service.RebuildSummaries(ctx)
	req.NoError(err)
	req.Zero(rebuilt)

	stored, err = f.conversations.Get(conv.ID)
	req.NoError(err)
	req.Equal(msg.ID, stored.LastMessageID)
	req.Equal("hello", stored.LastMessageText)
}

func Test_SendMessage_Retries_Storage_Conflicts(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	messages := mocks.NewMockIMessageRepository(ctrl)
	service := NewChatService(newLogger(), messages, f.conversations, f.users, nil,
		startBus(t), contract.SystemClock{}, testPolicy(), 1000)
	stored := domain.Message{ID: 1, ConversationID: conv.ID, SenderID: "alice", Text: "retry me", ServerTimestamp: time.Now().UTC()}

	// Given a conflict, then a success carrying the same idempotency key
	var keys []string
	gomock.InOrder(
		messages.EXPECT().Append(gomock.Any()).DoAndReturn(func(r repositories.AppendRequest) (repositories.AppendResult, error) {
			keys = append(keys, r.IdempotencyKey)
			return repositories.AppendResult{}, errors.ErrStorageConflict
		}),
		messages.EXPECT().Append(gomock.Any()).DoAndReturn(func(r repositories.AppendRequest) (repositories.AppendResult, error) {
			keys = append(keys, r.IdempotencyKey)
			return repositories.AppendResult{Message: stored}, nil
		}),
	)

	msg, err := service.SendMessage(context.Background(), domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "alice", Text: "retry me"})
	req.NoError(err)
	req.Equal(stored, msg)
	req.Len(keys, 2)
	req.NotEmpty(keys[0])
	req.Equal(keys[0], keys[1])

	// Validation failures are not retried
	messages.EXPECT().MarkRead(conv.ID, domain.MessageID(7), domain.UserID("bob"), gomock.Any()).
		Return(domain.Message{}, false, errors.ErrMessageNotFound).Times(1)
	_, err = service.MarkRead(context.Background(), domain.MarkReadCommand{ConversationID: conv.ID, MessageID: 7, ReaderID: "bob"})
	req.ErrorIs(err, errors.ErrMessageNotFound)
}

// stallingMessages commits the first append, then holds the call past the
// policy timeout.
type stallingMessages struct {
	repositories.MessageRepository
	stall   time.Duration
	stalled atomic.Bool
}

func (m *stallingMessages) Append(req repositories.AppendRequest) (repositories.AppendResult, error) {
	res, err := m.MessageRepository.Append(req)
	if err == nil && m.stalled.CompareAndSwap(false, true) {
		time.Sleep(m.stall)
	}
	return res, err
}

func Test_SendMessage_Applies_Summary_When_Retry_Finds_Commit(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newChatFixture(t)
	conv := f.conversation(t, "alice", "bob")
	policy := NewPolicy(newLogger(), 50*time.Millisecond, 3, time.Millisecond, 5*time.Millisecond)
	slow := &stallingMessages{MessageRepository: f.messages, stall: 150 * time.Millisecond}
	service := NewChatService(newLogger(), slow, f.conversations, f.users, f.typing,
		startBus(t), contract.SystemClock{}, policy, 1000)
	req.NoError(f.typing.SetTyping(ctx, domain.SetTypingCommand{ConversationID: conv.ID, UserID: "alice", IsTyping: true}))

	// When the first attempt commits but times out, the retry replays it
	msg, err := service.SendMessage(ctx, domain.SendMessageCommand{ConversationID: conv.ID, SenderID: "alice", Text: "hi"})
	req.NoError(err)
	req.Equal(domain.MessageID(1), msg.ID)

	// Then the message is stored once and the summary moved anyway
	page, err := service.ListMessages(ctx, domain.ListMessagesQuery{ConversationID: conv.ID, ViewerID: "alice", Limit: 10})
	req.NoError(err)
	req.Equal([]domain.MessageID{1}, ids(page.Messages))

	views, err := service.ListConversations(ctx, "alice")
	req.NoError(err)
	req.Len(views, 1)
	req.Equal("hi", views[0].LastMessageText)
	req.Empty(f.typing.Typing(conv.ID))
}
