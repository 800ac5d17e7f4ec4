package ws

import (
	"chat-sync/auth"
	"chat-sync/contract"
	"chat-sync/services"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// Gateway upgrades authenticated requests to websocket sessions.
type Gateway struct {
	log      *slog.Logger
	chat     services.IChatService
	typing   services.ITypingService
	presence services.IPresenceService
	upgrader websocket.Upgrader
	pongWait time.Duration
}

// NewGateway builds the gateway. pongWait bounds the silence tolerated
// from a client; pings are sent at 9/10 of it.
func NewGateway(log *slog.Logger, chat services.IChatService, typing services.ITypingService,
	presence services.IPresenceService, pongWait time.Duration) *Gateway {
	return &Gateway{
		log:      log,
		chat:     chat,
		typing:   typing,
		presence: presence,
		pongWait: pongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("Websocket upgrade failed", "user_id", user, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s := &session{
		gateway:       g,
		conn:          conn,
		id:            contract.Connection{UserID: user, ConnectionID: uuid.NewString()},
		send:          make(chan ServerFrame, sendBufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]contract.ISubscription),
	}
	if err = g.presence.Connect(ctx, s.id); err != nil {
		g.log.Warn("Presence not updated on connect", "user_id", user, "error", err)
	}
	g.log.Info("Session opened", "user_id", user, "connection_id", s.id.ConnectionID)

	go s.writePump()
	s.readPump(ctx)
	s.close()

	if err = g.presence.Disconnect(ctx, s.id); err != nil {
		g.log.Warn("Presence not updated on disconnect", "user_id", user, "error", err)
	}
	g.log.Info("Session closed", "user_id", user, "connection_id", s.id.ConnectionID)
}
