package services

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/repositories"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

type ITypingService interface {
	SetTyping(ctx context.Context, cmd domain.SetTypingCommand) error
	Clear(ctx context.Context, conversationID domain.ConversationID, user domain.UserID)
	Typing(conversationID domain.ConversationID) []domain.TypingState
	Subscribe(ctx context.Context, conversationID domain.ConversationID, viewer domain.UserID, onChange func([]domain.UserID)) (contract.ISubscription, error)
}

// TypingService keeps per (conversation, user) typing flags in memory.
// Each flag expires after the typing timeout unless refreshed; refreshing
// only re-arms the timer and publishes nothing.
type TypingService struct {
	mu             sync.Mutex
	log            *slog.Logger
	bus            contract.IEventBus
	conversations  repositories.IConversationRepository
	clock          contract.Clock
	timeout        time.Duration
	publishTimeout time.Duration
	version        uint64
	rooms          map[domain.ConversationID]map[domain.UserID]*typist
}

type typist struct {
	timer      *time.Timer
	generation uint64
	expiresAt  time.Time
}

func NewTypingService(log *slog.Logger, bus contract.IEventBus, conversations repositories.IConversationRepository,
	clock contract.Clock, timeout, publishTimeout time.Duration) *TypingService {
	return &TypingService{
		log:            log,
		bus:            bus,
		conversations:  conversations,
		clock:          clock,
		timeout:        timeout,
		publishTimeout: publishTimeout,
		rooms:          make(map[domain.ConversationID]map[domain.UserID]*typist),
	}
}

func (s *TypingService) SetTyping(ctx context.Context, cmd domain.SetTypingCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := s.checkParticipant(cmd.ConversationID, cmd.UserID); err != nil {
		return err
	}
	if cmd.IsTyping {
		return s.start(ctx, cmd.ConversationID, cmd.UserID)
	}
	return s.stop(ctx, cmd.ConversationID, cmd.UserID)
}

// Clear ends typing right away, typically after a successful send.
func (s *TypingService) Clear(ctx context.Context, conversationID domain.ConversationID, user domain.UserID) {
	if err := s.stop(ctx, conversationID, user); err != nil {
		s.log.Warn("Typing state not cleared", "conversation_id", conversationID, "user_id", user, "error", err)
	}
}

// Typing lists the current typing states of a conversation.
func (s *TypingService) Typing(conversationID domain.ConversationID) []domain.TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[conversationID]
	states := make([]domain.TypingState, 0, len(room))
	for _, user := range sortedUsers(room) {
		states = append(states, domain.TypingState{
			ConversationID: conversationID,
			UserID:         user,
			IsTyping:       true,
			ExpiresAt:      room[user].expiresAt,
		})
	}
	return states
}

// Subscribe calls onChange with the typing users of the conversation,
// viewer excluded: first the current set, then every change of it.
func (s *TypingService) Subscribe(_ context.Context, conversationID domain.ConversationID, viewer domain.UserID,
	onChange func([]domain.UserID)) (contract.ISubscription, error) {
	if err := s.checkParticipant(conversationID, viewer); err != nil {
		return nil, err
	}

	var (
		delivered   bool
		lastVersion uint64
		last        []domain.UserID
	)
	handler := func(e event.DomainEvent) {
		evt, ok := e.(event.TypingChanged)
		if !ok || (delivered && evt.Version <= lastVersion) {
			return
		}
		lastVersion = evt.Version
		users := lo.Without(evt.Users, viewer)
		if delivered && slices.Equal(users, last) {
			return
		}
		delivered, last = true, users
		onChange(users)
	}

	s.mu.Lock()
	sub := s.bus.Subscribe(event.TypingTopic(conversationID), handler, contract.SubscribeOptions{Paused: true})
	snapshot := s.snapshotLocked(conversationID)
	s.mu.Unlock()

	sub.Resume(snapshot)
	return sub, nil
}

// Stop disarms every pending timer.
func (s *TypingService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		for _, t := range room {
			t.timer.Stop()
		}
	}
	s.rooms = make(map[domain.ConversationID]map[domain.UserID]*typist)
}

func (s *TypingService) start(ctx context.Context, conversationID domain.ConversationID, user domain.UserID) error {
	s.mu.Lock()
	room, ok := s.rooms[conversationID]
	if !ok {
		room = make(map[domain.UserID]*typist)
		s.rooms[conversationID] = room
	}
	t, typing := room[user]
	if !typing {
		t = &typist{}
		room[user] = t
	} else {
		t.timer.Stop()
	}
	t.generation++
	generation := t.generation
	t.expiresAt = s.clock.Now().Add(s.timeout)
	t.timer = time.AfterFunc(s.timeout, func() { s.expire(conversationID, user, generation) })
	if typing {
		s.mu.Unlock()
		return nil
	}
	changed := s.nextSnapshotLocked(conversationID)
	s.mu.Unlock()

	s.log.Debug("User started typing", "conversation_id", conversationID, "user_id", user)
	return s.publish(ctx, changed)
}

func (s *TypingService) stop(ctx context.Context, conversationID domain.ConversationID, user domain.UserID) error {
	s.mu.Lock()
	if !s.removeLocked(conversationID, user) {
		s.mu.Unlock()
		return nil
	}
	changed := s.nextSnapshotLocked(conversationID)
	s.mu.Unlock()

	s.log.Debug("User stopped typing", "conversation_id", conversationID, "user_id", user)
	return s.publish(ctx, changed)
}

// expire runs on the timer goroutine. A stale generation means the timer
// was re-armed or the flag already cleared.
func (s *TypingService) expire(conversationID domain.ConversationID, user domain.UserID, generation uint64) {
	s.mu.Lock()
	t, ok := s.rooms[conversationID][user]
	if !ok || t.generation != generation {
		s.mu.Unlock()
		return
	}
	s.removeLocked(conversationID, user)
	changed := s.nextSnapshotLocked(conversationID)
	s.mu.Unlock()

	s.log.Debug("Typing expired", "conversation_id", conversationID, "user_id", user)
	if err := s.publish(context.Background(), changed); err != nil {
		s.log.Warn("Typing expiry not published", "conversation_id", conversationID, "error", err)
	}
}

func (s *TypingService) removeLocked(conversationID domain.ConversationID, user domain.UserID) bool {
	room := s.rooms[conversationID]
	t, ok := room[user]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(room, user)
	if len(room) == 0 {
		delete(s.rooms, conversationID)
	}
	return true
}

// publish runs outside s.mu. Snapshots may reach the bus out of order,
// subscribers keep the highest version.
func (s *TypingService) publish(ctx context.Context, changed event.TypingChanged) error {
	return publishWithin(ctx, s.bus, changed, s.publishTimeout)
}

func (s *TypingService) nextSnapshotLocked(conversationID domain.ConversationID) event.TypingChanged {
	s.version++
	return s.snapshotLocked(conversationID)
}

func (s *TypingService) snapshotLocked(conversationID domain.ConversationID) event.TypingChanged {
	return event.TypingChanged{
		ConversationID: conversationID,
		Users:          sortedUsers(s.rooms[conversationID]),
		Version:        s.version,
		At:             s.clock.Now(),
	}
}

func (s *TypingService) checkParticipant(conversationID domain.ConversationID, user domain.UserID) error {
	conv, err := s.conversations.Get(conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotParticipant, user, conversationID)
	}
	return nil
}

func sortedUsers(room map[domain.UserID]*typist) []domain.UserID {
	users := lo.Keys(room)
	slices.Sort(users)
	return users
}
