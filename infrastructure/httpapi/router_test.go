package httpapi

import (
	"bytes"
	"chat-sync/auth"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/infrastructure/volatile"
	"chat-sync/infrastructure/ws"
	"chat-sync/repositories"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/services"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	server *httptest.Server
	tokens *auth.Tokens
	users  repositories.IUserRepository
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	bus := runtime.NewOrchestrator(log, workers.NewSupervisor(log, 0), runtime.NewRegistry(log, 64), 2, 64, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Start(ctx)
		close(done)
	}()

	clock := contract.SystemClock{}
	policy := services.NewPolicy(log, time.Second, 3, time.Millisecond, 10*time.Millisecond)
	messages := repositories.NewMessageRepository(db, log, nil)
	conversations := repositories.NewConversationRepository(db, log)
	users := repositories.NewUserRepository(db, log)
	typing := services.NewTypingService(log, bus, conversations, clock, time.Minute, time.Second)
	presence := services.NewPresenceService(log, users, volatile.NewMemoryStore(), bus, clock, policy, time.Minute)
	chat := services.NewChatService(log, messages, conversations, users, typing, bus, clock, policy, 100)

	tokens, err := auth.NewTokens("a-secret-long-enough-for-tests", "chat-sync", time.Hour)
	req.NoError(err)
	gateway := ws.NewGateway(log, chat, typing, presence, time.Minute)
	router := NewRouter(log, tokens, NewHandler(log, chat, typing, presence), gateway, func(context.Context) error { return nil })
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		typing.Stop()
		bus.Stop()
		cancel()
		<-done
	})
	return apiFixture{server: server, tokens: tokens, users: users}
}

func (f apiFixture) do(t *testing.T, user domain.UserID, method, path string, body any, out any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	r, err := http.NewRequest(method, f.server.URL+path, &payload)
	require.NoError(t, err)
	if user != "" {
		token, err := f.tokens.Generate(user)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func Test_HTTP_Conversation_Flow(t *testing.T) {
	req := require.New(t)
	f := newAPI(t)
	req.NoError(f.users.Upsert(context.Background(), domain.User{ID: "alice", DisplayName: "Alice"}))

	// Given alice opening a conversation with bob
	var conv domain.Conversation
	req.Equal(http.StatusOK, f.do(t, "alice", http.MethodPost, "/v1/conversations", map[string]string{"other_user_id": "bob"}, &conv))
	req.NotEmpty(conv.ID)
	base := "/v1/conversations/" + string(conv.ID)

	// When she sends twice the same request
	var first, again domain.Message
	sendOnce := func(out *domain.Message) int {
		r, err := http.NewRequest(http.MethodPost, f.server.URL+base+"/messages", strings.NewReader(`{"text":"hello"}`))
		req.NoError(err)
		token, err := f.tokens.Generate("alice")
		req.NoError(err)
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("Idempotency-Key", "send-1")
		res, err := http.DefaultClient.Do(r)
		req.NoError(err)
		defer res.Body.Close()
		req.NoError(json.NewDecoder(res.Body).Decode(out))
		return res.StatusCode
	}
	req.Equal(http.StatusCreated, sendOnce(&first))
	req.Equal(http.StatusCreated, sendOnce(&again))
	req.Equal(first.ID, again.ID)

	// Then bob sees one message and reads it
	var page domain.MessagePage
	req.Equal(http.StatusOK, f.do(t, "bob", http.MethodGet, base+"/messages?since=0", nil, &page))
	req.Len(page.Messages, 1)
	var read domain.Message
	req.Equal(http.StatusOK, f.do(t, "bob", http.MethodPost, base+"/messages/1/read", nil, &read))
	req.True(read.Read)

	var history domain.MessagePage
	req.Equal(http.StatusOK, f.do(t, "bob", http.MethodGet, base+"/messages?before=", nil, &history))
	req.Len(history.Messages, 1)
	req.Nil(history.NextBefore)

	var views []services.ConversationView
	req.Equal(http.StatusOK, f.do(t, "bob", http.MethodGet, "/v1/conversations", nil, &views))
	req.Len(views, 1)
	req.Equal("hello", views[0].LastMessageText)
	req.Equal("Alice", views[0].Other.DisplayName)

	req.Equal(http.StatusNoContent, f.do(t, "bob", http.MethodPut, base+"/typing", map[string]bool{"is_typing": true}, nil))
}

func Test_HTTP_Errors(t *testing.T) {
	req := require.New(t)
	f := newAPI(t)
	var conv domain.Conversation
	req.Equal(http.StatusOK, f.do(t, "alice", http.MethodPost, "/v1/conversations", map[string]string{"other_user_id": "bob"}, &conv))
	base := "/v1/conversations/" + string(conv.ID)

	var failure ErrorResponse
	req.Equal(http.StatusBadRequest, f.do(t, "alice", http.MethodPost, base+"/messages", map[string]string{"text": "   "}, &failure))
	req.False(failure.Retryable)

	req.Equal(http.StatusBadRequest, f.do(t, "carol", http.MethodGet, base+"/messages", nil, &failure))
	req.Equal(http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/conversations/missing/messages", nil, &failure))
	req.Equal(http.StatusBadRequest, f.do(t, "alice", http.MethodGet, base+"/messages?before=abc", nil, &failure))
	req.Equal(http.StatusBadRequest, f.do(t, "alice", http.MethodPost, "/v1/conversations", map[string]string{"other_user_id": "alice"}, &failure))
	req.Equal(http.StatusUnauthorized, f.do(t, "", http.MethodGet, "/v1/conversations", nil, nil))
	req.Equal(http.StatusOK, f.do(t, "", http.MethodGet, "/healthz", nil, nil))

	var presence domain.Presence
	req.Equal(http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/users/bob/presence", nil, &presence))
	req.False(presence.Online)
}

func dial(t *testing.T, f apiFixture, user domain.UserID) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Generate(user)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads frames until one of type kind shows up.
func next(t *testing.T, conn *websocket.Conn, kind string) ws.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f ws.ServerFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == kind {
			return f
		}
	}
}

// nextPresence waits for a presence frame with the given state. The
// session registers its presence right after the handshake, so an older
// state may show up first.
func nextPresence(t *testing.T, conn *websocket.Conn, online bool) {
	t.Helper()
	for {
		if f := next(t, conn, ws.FramePresence); f.Presence.Online == online {
			return
		}
	}
}

func Test_Websocket_Delivers_Messages_Receipts_And_Presence(t *testing.T) {
	req := require.New(t)
	f := newAPI(t)
	var conv domain.Conversation
	req.Equal(http.StatusOK, f.do(t, "alice", http.MethodPost, "/v1/conversations", map[string]string{"other_user_id": "bob"}, &conv))

	alice := dial(t, f, "alice")
	bob := dial(t, f, "bob")

	// Given alice watching bob and the conversation
	req.NoError(alice.WriteJSON(ws.ClientFrame{Type: ws.OpSubscribePresence, RequestID: "p", UserID: "bob"}))
	nextPresence(t, alice, true)
	req.NoError(alice.WriteJSON(ws.ClientFrame{Type: ws.OpSubscribeMessages, RequestID: "m", ConversationID: conv.ID}))
	req.Equal("m", next(t, alice, ws.FrameAck).RequestID)
	req.NoError(bob.WriteJSON(ws.ClientFrame{Type: ws.OpSubscribeMessages, RequestID: "m", ConversationID: conv.ID}))
	req.Equal("m", next(t, bob, ws.FrameAck).RequestID)

	// When alice sends a message
	req.NoError(alice.WriteJSON(ws.ClientFrame{Type: ws.OpSend, RequestID: "s1", ConversationID: conv.ID, Text: "hi bob"}))

	// Then bob receives it and alice gets his receipt
	received := next(t, bob, ws.FrameMessage)
	req.Equal("hi bob", received.Message.Text)
	req.NoError(bob.WriteJSON(ws.ClientFrame{Type: ws.OpRead, RequestID: "r1", ConversationID: conv.ID, MessageID: received.Message.ID}))
	receipt := next(t, alice, ws.FrameRead)
	req.Equal(domain.UserID("bob"), receipt.Receipt.ReaderID)

	// And errors are reported on the request
	req.NoError(bob.WriteJSON(ws.ClientFrame{Type: ws.OpSend, RequestID: "s2", ConversationID: conv.ID, Text: " "}))
	failure := next(t, bob, ws.FrameError)
	req.Equal("s2", failure.RequestID)
	req.False(failure.Retryable)

	// And bob leaving turns him offline
	req.NoError(bob.Close())
	nextPresence(t, alice, false)
}
