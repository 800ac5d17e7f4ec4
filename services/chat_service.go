package services

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/moderation"
	"chat-sync/repositories"
	"context"
	"fmt"
	"log/slog"

	"github.com/abadojack/whatlanggo"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IChatService interface {
	GetOrCreateConversation(ctx context.Context, cmd domain.FindOrCreateCommand) (domain.Conversation, error)
	GetConversation(ctx context.Context, id domain.ConversationID, viewer domain.UserID) (domain.Conversation, error)
	ListConversations(ctx context.Context, user domain.UserID) ([]ConversationView, error)
	ListMessages(ctx context.Context, query domain.ListMessagesQuery) (domain.MessagePage, error)
	SendMessage(ctx context.Context, cmd domain.SendMessageCommand) (domain.Message, error)
	MarkRead(ctx context.Context, cmd domain.MarkReadCommand) (domain.Message, error)
	SubscribeMessages(ctx context.Context, query SubscribeMessagesQuery, handlers MessageHandlers) (contract.ISubscription, error)
	SubscribeConversations(ctx context.Context, user domain.UserID, onUpdate func(domain.Conversation)) (contract.ISubscription, error)
}

// ConversationView is a conversation as listed for one participant.
type ConversationView struct {
	domain.Conversation
	Other    domain.User     `json:"other"`
	Presence domain.Presence `json:"presence"`
}

type SubscribeMessagesQuery struct {
	ConversationID domain.ConversationID
	ViewerID       domain.UserID
	Since          domain.MessageID
}

// MessageHandlers are called from the delivery goroutine of the
// subscription, one call at a time. OnEvict is called once when the
// subscriber fell behind and must subscribe again.
type MessageHandlers struct {
	OnMessage func(domain.Message)
	OnRead    func(domain.ReadReceipt)
	OnEvict   func(error)
}

// SummaryQueue takes summary writes that failed after a successful append.
type SummaryQueue interface {
	Enqueue(message domain.Message)
}

// ChatService owns the message log and the conversation directory.
// Appends to one conversation are serialized and published while still
// serialized, so subscribers observe the append order.
type ChatService struct {
	log              *slog.Logger
	messages         repositories.IMessageRepository
	conversations    repositories.IConversationRepository
	users            repositories.IUserRepository
	typing           ITypingService
	bus              contract.IEventBus
	clock            contract.Clock
	policy           Policy
	maxContentLength int
	moderator        *moderation.Moderator
	summaries        SummaryQueue
	locks            *stripedLock
}

func NewChatService(log *slog.Logger, messages repositories.IMessageRepository,
	conversations repositories.IConversationRepository, users repositories.IUserRepository,
	typing ITypingService, bus contract.IEventBus, clock contract.Clock, policy Policy, maxContentLength int) *ChatService {
	return &ChatService{
		log:              log,
		messages:         messages,
		conversations:    conversations,
		users:            users,
		typing:           typing,
		bus:              bus,
		clock:            clock,
		policy:           policy,
		maxContentLength: maxContentLength,
		locks:            newStripedLock(256),
	}
}

// WithModerator censors forbidden words before messages are stored.
func (s *ChatService) WithModerator(moderator *moderation.Moderator) *ChatService {
	s.moderator = moderator
	return s
}

// WithSummaryQueue hands failed summary writes over to a background retry.
func (s *ChatService) WithSummaryQueue(queue SummaryQueue) *ChatService {
	s.summaries = queue
	return s
}

func (s *ChatService) GetOrCreateConversation(ctx context.Context, cmd domain.FindOrCreateCommand) (domain.Conversation, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Conversation{}, err
	}
	type outcome struct {
		conversation domain.Conversation
		created      bool
	}
	res, err := call(ctx, s.policy, "find_or_create_conversation", func(context.Context) (outcome, error) {
		conv, created, err := s.conversations.FindOrCreate(cmd.UserID, cmd.OtherUserID,
			domain.ConversationID(uuid.NewString()), s.clock.Now())
		return outcome{conversation: conv, created: created}, err
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	if res.created {
		s.log.Info("Conversation created", "conversation_id", res.conversation.ID,
			"participants", res.conversation.Participants)
		s.announce(ctx, res.conversation)
	}
	return res.conversation, nil
}

func (s *ChatService) GetConversation(ctx context.Context, id domain.ConversationID, viewer domain.UserID) (domain.Conversation, error) {
	return s.participantConversation(ctx, id, viewer)
}

// ListConversations returns the conversations of user, most recent
// activity first, each with the other participant and its presence.
func (s *ChatService) ListConversations(ctx context.Context, user domain.UserID) ([]ConversationView, error) {
	if user == "" {
		return nil, errors.Validation("user id is required")
	}
	conversations, err := call(ctx, s.policy, "list_conversations", func(context.Context) ([]domain.Conversation, error) {
		return s.conversations.ListForUser(user)
	})
	if err != nil {
		return nil, err
	}
	others := lo.Map(conversations, func(c domain.Conversation, _ int) domain.UserID { return c.Other(user) })
	users, err := call(ctx, s.policy, "get_users", func(ctx context.Context) (map[domain.UserID]domain.User, error) {
		return s.users.GetMany(ctx, lo.Uniq(others))
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(conversations, func(c domain.Conversation, i int) ConversationView {
		other, ok := users[others[i]]
		if !ok {
			other = domain.User{ID: others[i]}
		}
		return ConversationView{Conversation: c, Other: other, Presence: domain.PresenceOf(other)}
	}), nil
}

func (s *ChatService) ListMessages(ctx context.Context, query domain.ListMessagesQuery) (domain.MessagePage, error) {
	if err := query.Validate(); err != nil {
		return domain.MessagePage{}, err
	}
	if _, err := s.participantConversation(ctx, query.ConversationID, query.ViewerID); err != nil {
		return domain.MessagePage{}, err
	}
	if query.Backward {
		return call(ctx, s.policy, "list_messages_before", func(context.Context) (domain.MessagePage, error) {
			messages, next, err := s.messages.ListBefore(query.ConversationID, query.Before, query.Limit)
			return domain.MessagePage{Messages: messages, NextBefore: next}, err
		})
	}
	return call(ctx, s.policy, "list_messages_since", func(context.Context) (domain.MessagePage, error) {
		messages, err := s.messages.ListSince(query.ConversationID, query.Since, query.Limit)
		return domain.MessagePage{Messages: messages}, err
	})
}

// SendMessage appends a message and publishes it. A retried command with
// the same idempotency key returns the message stored the first time.
func (s *ChatService) SendMessage(ctx context.Context, cmd domain.SendMessageCommand) (domain.Message, error) {
	text, err := cmd.Validate(s.maxContentLength)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err = s.participantConversation(ctx, cmd.ConversationID, cmd.SenderID); err != nil {
		return domain.Message{}, err
	}
	text = s.censor(cmd.ConversationID, text)
	key := cmd.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	req := repositories.AppendRequest{
		ConversationID: cmd.ConversationID,
		SenderID:       cmd.SenderID,
		Text:           text,
		Language:       detectLanguage(text),
		IdempotencyKey: key,
	}

	res, err := s.appendAndPublish(ctx, req)
	if err != nil {
		return domain.Message{}, err
	}
	// A duplicate can come from a policy retry after a commit that outlived
	// its attempt, so the summary and typing state are applied again.
	if res.Duplicate {
		s.log.Debug("Duplicate send replayed", "conversation_id", cmd.ConversationID, "message_id", res.Message.ID)
	}
	if err = s.ApplySummary(ctx, res.Message); err != nil {
		s.log.Warn("Summary write deferred", "conversation_id", cmd.ConversationID, "message_id", res.Message.ID, "error", err)
		if s.summaries != nil {
			s.summaries.Enqueue(res.Message)
		}
	}
	if s.typing != nil {
		s.typing.Clear(ctx, cmd.ConversationID, cmd.SenderID)
	}
	return res.Message, nil
}

func (s *ChatService) appendAndPublish(ctx context.Context, req repositories.AppendRequest) (repositories.AppendResult, error) {
	unlock := s.locks.lock(string(req.ConversationID))
	defer unlock()

	res, err := call(ctx, s.policy, "append_message", func(context.Context) (repositories.AppendResult, error) {
		attempt := req
		attempt.Now = s.clock.Now()
		return s.messages.Append(attempt)
	})
	if err != nil {
		return repositories.AppendResult{}, err
	}
	// A replay is published again: the first publication may be the one
	// that failed, subscribers drop ids they already hold.
	if err = s.policy.publish(ctx, s.bus, event.MessageAppended{Message: res.Message}); err != nil {
		s.log.Warn("Message stored but not published", "conversation_id", req.ConversationID,
			"message_id", res.Message.ID, "error", err)
	}
	return res, nil
}

// ApplySummary moves the last-message summary of the conversation of
// message and notifies both participants when it changed.
func (s *ChatService) ApplySummary(ctx context.Context, message domain.Message) error {
	type outcome struct {
		conversation domain.Conversation
		applied      bool
	}
	res, err := call(ctx, s.policy, "apply_summary", func(context.Context) (outcome, error) {
		conv, applied, err := s.conversations.ApplySummary(message.ConversationID, message.ID, message.Text, message.ServerTimestamp)
		return outcome{conversation: conv, applied: applied}, err
	})
	if err != nil {
		return err
	}
	if res.applied {
		s.announce(ctx, res.conversation)
	}
	return nil
}

// RebuildSummaries replays the latest message of every conversation into
// the directory. Returns the number of summaries that moved.
func (s *ChatService) RebuildSummaries(ctx context.Context) (int, error) {
	conversations, err := s.conversations.ListAll()
	if err != nil {
		return 0, err
	}
	rebuilt := 0
	for _, conv := range conversations {
		latest, found, err := s.messages.Latest(conv.ID)
		if err != nil {
			return rebuilt, err
		}
		if !found || !conv.ShouldApplySummary(latest.ID, latest.ServerTimestamp) {
			continue
		}
		if _, _, err = s.conversations.ApplySummary(conv.ID, latest.ID, latest.Text, latest.ServerTimestamp); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	if rebuilt > 0 {
		s.log.Info("Conversation summaries rebuilt", "count", rebuilt)
	}
	return rebuilt, nil
}

// MarkRead flips the read flag of a message received by the reader.
// Only the first flip publishes a receipt.
func (s *ChatService) MarkRead(ctx context.Context, cmd domain.MarkReadCommand) (domain.Message, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Message{}, err
	}
	if _, err := s.participantConversation(ctx, cmd.ConversationID, cmd.ReaderID); err != nil {
		return domain.Message{}, err
	}
	type outcome struct {
		message domain.Message
		changed bool
	}
	res, err := call(ctx, s.policy, "mark_read", func(context.Context) (outcome, error) {
		msg, changed, err := s.messages.MarkRead(cmd.ConversationID, cmd.MessageID, cmd.ReaderID, s.clock.Now())
		return outcome{message: msg, changed: changed}, err
	})
	if err != nil || !res.changed {
		return res.message, err
	}
	receipt := domain.ReadReceipt{
		ConversationID: cmd.ConversationID,
		MessageID:      cmd.MessageID,
		ReaderID:       cmd.ReaderID,
		ReadAt:         res.message.ReadAt,
	}
	if err = s.policy.publish(ctx, s.bus, event.MessageRead{Receipt: receipt}); err != nil {
		s.log.Warn("Read receipt not published", "conversation_id", cmd.ConversationID,
			"message_id", cmd.MessageID, "error", err)
	}
	return res.message, nil
}

// SubscribeMessages delivers every message after query.Since exactly once
// and in order: the stored backlog first, then live appends. Read
// receipts published after the subscription are delivered as well.
func (s *ChatService) SubscribeMessages(ctx context.Context, query SubscribeMessagesQuery, handlers MessageHandlers) (contract.ISubscription, error) {
	if _, err := s.participantConversation(ctx, query.ConversationID, query.ViewerID); err != nil {
		return nil, err
	}

	last := query.Since
	handler := func(e event.DomainEvent) {
		switch evt := e.(type) {
		case event.MessageAppended:
			if evt.Message.ID <= last {
				return
			}
			last = evt.Message.ID
			if handlers.OnMessage != nil {
				handlers.OnMessage(evt.Message)
			}
		case event.MessageRead:
			if handlers.OnRead != nil {
				handlers.OnRead(evt.Receipt)
			}
		}
	}

	sub := s.bus.Subscribe(event.MessagesTopic(query.ConversationID), handler,
		contract.SubscribeOptions{Paused: true, OnEvict: handlers.OnEvict})
	backlog, err := s.backlog(ctx, query.ConversationID, query.Since)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.Resume(backlog...)
	return sub, nil
}

// SubscribeConversations notifies user each time the summary of one of its
// conversations moves, or a conversation is created with it.
func (s *ChatService) SubscribeConversations(_ context.Context, user domain.UserID, onUpdate func(domain.Conversation)) (contract.ISubscription, error) {
	if user == "" {
		return nil, errors.Validation("user id is required")
	}
	return s.bus.Subscribe(event.ConversationsTopic(user), func(e event.DomainEvent) {
		if evt, ok := e.(event.ConversationUpdated); ok {
			onUpdate(evt.Conversation)
		}
	}, contract.SubscribeOptions{}), nil
}

func (s *ChatService) backlog(ctx context.Context, conversationID domain.ConversationID, since domain.MessageID) ([]event.DomainEvent, error) {
	var backlog []event.DomainEvent
	for cursor := since; ; {
		page, err := call(ctx, s.policy, "list_backlog", func(context.Context) ([]domain.Message, error) {
			return s.messages.ListSince(conversationID, cursor, 0)
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return backlog, nil
		}
		for _, msg := range page {
			backlog = append(backlog, event.MessageAppended{Message: msg})
		}
		cursor = page[len(page)-1].ID
	}
}

func (s *ChatService) participantConversation(ctx context.Context, id domain.ConversationID, user domain.UserID) (domain.Conversation, error) {
	if id == "" || user == "" {
		return domain.Conversation{}, errors.Validation("conversation id and user id are required")
	}
	conv, err := call(ctx, s.policy, "get_conversation", func(context.Context) (domain.Conversation, error) {
		return s.conversations.Get(id)
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.HasParticipant(user) {
		return domain.Conversation{}, fmt.Errorf("%w: %s in %s", errors.ErrNotParticipant, user, id)
	}
	return conv, nil
}

func (s *ChatService) announce(ctx context.Context, conv domain.Conversation) {
	for _, participant := range conv.Participants {
		if err := s.policy.publish(ctx, s.bus, event.ConversationUpdated{Recipient: participant, Conversation: conv}); err != nil {
			s.log.Warn("Conversation update not published", "conversation_id", conv.ID,
				"user_id", participant, "error", err)
		}
	}
}

func (s *ChatService) censor(conversationID domain.ConversationID, text string) string {
	if s.moderator == nil {
		return text
	}
	censored, found := s.moderator.Censor(text)
	if len(found) > 0 {
		s.log.Debug("Message censored", "conversation_id", conversationID, "words", len(found))
	}
	return censored
}

// detectLanguage returns the ISO 639-1 code of text, empty when the
// detection is not reliable.
func detectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
