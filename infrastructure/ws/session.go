package ws

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"chat-sync/services"
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type session struct {
	gateway *Gateway
	conn    *websocket.Conn
	id      contract.Connection
	send    chan ServerFrame

	mu            sync.Mutex
	closed        bool
	done          chan struct{}
	subscriptions map[string]contract.ISubscription
}

// push queues f without blocking. A client that cannot keep up with its
// own outbound queue is disconnected.
func (s *session) push(f ServerFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- f:
	default:
		s.gateway.log.Warn("Outbound queue full, closing session", "user_id", s.id.UserID)
		s.closeLocked()
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.closeLocked()
	subs := s.subscriptions
	s.subscriptions = map[string]contract.ISubscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *session) readPump(ctx context.Context) {
	defer func() { _ = s.conn.Close() }()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.heartbeat(ctx)
		return s.conn.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
	})

	for {
		var f ClientFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gateway.log.Debug("Websocket read failed", "user_id", s.id.UserID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
		s.handle(ctx, f)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.gateway.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) handle(ctx context.Context, f ClientFrame) {
	var err error
	switch f.Type {
	case OpSend:
		var msg domain.Message
		msg, err = s.gateway.chat.SendMessage(ctx, domain.SendMessageCommand{
			ConversationID: f.ConversationID,
			SenderID:       s.id.UserID,
			Text:           f.Text,
			IdempotencyKey: f.IdempotencyKey,
		})
		if err == nil {
			s.push(ServerFrame{Type: FrameAck, RequestID: f.RequestID, Message: &msg})
		}
	case OpRead:
		var msg domain.Message
		msg, err = s.gateway.chat.MarkRead(ctx, domain.MarkReadCommand{ConversationID: f.ConversationID, MessageID: f.MessageID, ReaderID: s.id.UserID})
		if err == nil {
			s.push(ServerFrame{Type: FrameAck, RequestID: f.RequestID, Message: &msg})
		}
	case OpTyping:
		err = s.gateway.typing.SetTyping(ctx, domain.SetTypingCommand{ConversationID: f.ConversationID, UserID: s.id.UserID, IsTyping: f.IsTyping})
		if err == nil {
			s.ack(f)
		}
	case OpHeartbeat:
		s.heartbeat(ctx)
		s.ack(f)
	case OpSubscribeMessages, OpSubscribeTyping, OpSubscribePresence, OpSubscribeList:
		err = s.subscribe(ctx, f)
	case OpUnsubscribe:
		s.unsubscribe(f.SubscriptionID)
		s.ack(f)
	default:
		err = errors.Validation("unknown frame type %q", f.Type)
	}
	if err != nil {
		s.push(ServerFrame{Type: FrameError, RequestID: f.RequestID, Error: err.Error(), Retryable: errors.IsRetryable(err)})
	}
}

func (s *session) subscribe(ctx context.Context, f ClientFrame) error {
	id := SubscriptionID(f)
	var (
		sub contract.ISubscription
		err error
	)
	switch f.Type {
	case OpSubscribeMessages:
		sub, err = s.gateway.chat.SubscribeMessages(ctx,
			services.SubscribeMessagesQuery{ConversationID: f.ConversationID, ViewerID: s.id.UserID, Since: f.Since},
			services.MessageHandlers{
				OnMessage: func(m domain.Message) {
					s.push(ServerFrame{Type: FrameMessage, SubscriptionID: id, Message: &m})
				},
				OnRead: func(r domain.ReadReceipt) {
					s.push(ServerFrame{Type: FrameRead, SubscriptionID: id, Receipt: &r})
				},
				OnEvict: func(err error) {
					s.forget(id)
					s.push(ServerFrame{Type: FrameEvicted, SubscriptionID: id, Error: err.Error(), Retryable: true})
				},
			})
	case OpSubscribeTyping:
		conversationID := f.ConversationID
		sub, err = s.gateway.typing.Subscribe(ctx, conversationID, s.id.UserID, func(users []domain.UserID) {
			s.push(ServerFrame{Type: FrameTyping, SubscriptionID: id, Typing: &TypingUsers{ConversationID: conversationID, Users: users}})
		})
	case OpSubscribePresence:
		sub, err = s.gateway.presence.Subscribe(ctx, f.UserID, func(p domain.Presence) {
			s.push(ServerFrame{Type: FramePresence, SubscriptionID: id, Presence: &p})
		})
	case OpSubscribeList:
		sub, err = s.gateway.chat.SubscribeConversations(ctx, s.id.UserID, func(c domain.Conversation) {
			s.push(ServerFrame{Type: FrameConversation, SubscriptionID: id, Conversation: &c})
		})
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	previous := s.subscriptions[id]
	s.subscriptions[id] = sub
	s.mu.Unlock()
	if previous != nil {
		previous.Unsubscribe()
	}
	s.push(ServerFrame{Type: FrameAck, RequestID: f.RequestID, SubscriptionID: id})
	return nil
}

func (s *session) unsubscribe(id string) {
	if sub := s.forget(id); sub != nil {
		sub.Unsubscribe()
	}
}

func (s *session) forget(id string) contract.ISubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscriptions[id]
	delete(s.subscriptions, id)
	return sub
}

func (s *session) ack(f ClientFrame) {
	s.push(ServerFrame{Type: FrameAck, RequestID: f.RequestID})
}

func (s *session) heartbeat(ctx context.Context) {
	if err := s.gateway.presence.Heartbeat(ctx, s.id); err != nil {
		s.gateway.log.Warn("Heartbeat not recorded", "user_id", s.id.UserID, "error", err)
	}
}
