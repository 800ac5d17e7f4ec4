package main

import (
	"bufio"
	"bytes"
	"chat-sync/auth"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/infrastructure/ws"
	"chat-sync/projection"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables. CHAT_TOKEN wins
// over JWT_SECRET, which only serves local setups.
type Config struct {
	ServerAddress string        `env:"CHAT_SERVER_ADDR,default=localhost:8080"`
	UserID        string        `env:"CHAT_USER,required=true"`
	PeerID        string        `env:"CHAT_PEER,required=true"`
	Token         string        `env:"CHAT_TOKEN"`
	JwtSecret     string        `env:"JWT_SECRET"`
	JwtIssuer     string        `env:"JWT_ISSUER,default=chat-sync"`
	Heartbeat     time.Duration `env:"CHAT_HEARTBEAT,default=10s"`
	LogLevel      string        `env:"LOG_LEVEL,default=WARN"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

// run opens the conversation with the peer, replays its history and then
// forwards stdin lines as messages until Ctrl+C.
func run() (int, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	me := domain.UserID(config.UserID)

	token, err := resolveToken(config, me)
	if err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conv, err := openConversation(ctx, config.ServerAddress, token, domain.UserID(config.PeerID))
	if err != nil {
		return exitRuntime, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx,
		fmt.Sprintf("ws://%s/v1/ws?token=%s", config.ServerAddress, token), nil)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to server at %s: %w", config.ServerAddress, err)
	}
	defer func() {
		log.Info("Closing connection...")
		_ = conn.Close()
	}()

	out := make(chan ws.ClientFrame, 16)
	out <- ws.ClientFrame{Type: ws.OpSubscribeMessages, RequestID: "history", ConversationID: conv.ID}
	out <- ws.ClientFrame{Type: ws.OpSubscribeTyping, RequestID: "typing", ConversationID: conv.ID}
	out <- ws.ClientFrame{Type: ws.OpSubscribePresence, RequestID: "presence", UserID: domain.UserID(config.PeerID)}

	color.Info.Printf(">>> Connected as %s, talking to %s (Ctrl+C to quit)\n", me, config.PeerID)

	errChan := make(chan error, 2)
	go func() { errChan <- writeLoop(ctx, conn, out, config.Heartbeat) }()
	go func() { errChan <- readLoop(log, conn, projection.NewTimeline(me, conv.ID), out) }()
	go readInput(ctx, conv.ID, out)

	select {
	case <-ctx.Done():
		log.Info("Stopping client...")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return exitOK, nil
	case err := <-errChan:
		if ctx.Err() != nil {
			return exitOK, nil
		}
		return exitRuntime, err
	}
}

func resolveToken(config Config, me domain.UserID) (string, error) {
	if config.Token != "" {
		return config.Token, nil
	}
	if config.JwtSecret == "" {
		return "", fmt.Errorf("config error: CHAT_TOKEN or JWT_SECRET is required")
	}
	tokens, err := auth.NewTokens(config.JwtSecret, config.JwtIssuer, time.Hour)
	if err != nil {
		return "", err
	}
	return tokens.Generate(me)
}

func openConversation(ctx context.Context, address, token string, peer domain.UserID) (domain.Conversation, error) {
	body, _ := json.Marshal(map[string]domain.UserID{"other_user_id": peer})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		return domain.Conversation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("open conversation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return domain.Conversation{}, fmt.Errorf("open conversation: %s (%d)", failure.Error, resp.StatusCode)
	}
	var conv domain.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("open conversation: %w", err)
	}
	return conv, nil
}

// writeLoop is the only writer of the connection.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan ws.ClientFrame, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-out:
			if err := conn.WriteJSON(frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case <-ticker.C:
			if err := conn.WriteJSON(ws.ClientFrame{Type: ws.OpHeartbeat}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// readLoop renders server frames. Messages from the peer are marked read
// as soon as they are displayed.
func readLoop(log *slog.Logger, conn *websocket.Conn, timeline *projection.Timeline, out chan<- ws.ClientFrame) error {
	for {
		var frame ws.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("stream error: %w", err)
		}
		switch frame.Type {
		case ws.FrameMessage:
			if !timeline.Add(*frame.Message) {
				continue
			}
			render(*frame.Message, timeline)
			for _, unread := range timeline.Unread() {
				out <- ws.ClientFrame{Type: ws.OpRead, ConversationID: unread.ConversationID, MessageID: unread.ID}
				timeline.MarkRead(domain.ReadReceipt{ConversationID: unread.ConversationID, MessageID: unread.ID, ReaderID: timeline.Owner})
			}
		case ws.FrameRead:
			_ = timeline.Consume(context.Background(), event.MessageRead{Receipt: *frame.Receipt})
			color.Gray.Printf("    ✓ read %d\n", frame.Receipt.MessageID)
		case ws.FrameTyping:
			if len(frame.Typing.Users) > 0 {
				color.Gray.Printf("    %s is typing...\n", frame.Typing.Users[0])
			}
		case ws.FramePresence:
			state := color.Red.Sprint("offline")
			if frame.Presence.Online {
				state = color.Green.Sprint("online")
			}
			fmt.Printf("    %s is %s\n", frame.Presence.UserID, state)
		case ws.FrameError:
			color.Error.Printf("error: %s (retryable=%t)\n", frame.Error, frame.Retryable)
		case ws.FrameEvicted:
			return fmt.Errorf("subscription %s evicted: %s", frame.SubscriptionID, frame.Error)
		default:
			log.Debug("Frame", "type", frame.Type, "request_id", frame.RequestID)
		}
	}
}

func render(m domain.Message, timeline *projection.Timeline) {
	author := color.Cyan.Sprint(m.SenderID)
	if m.SenderID == timeline.Owner {
		author = color.Magenta.Sprint("me")
	}
	fmt.Printf("[%s] %s: %s\n", m.ServerTimestamp.Local().Format(time.TimeOnly), author, m.Text)
}

func readInput(ctx context.Context, conversationID domain.ConversationID, out chan<- ws.ClientFrame) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- ws.ClientFrame{
			Type:           ws.OpSend,
			RequestID:      uuid.NewString(),
			ConversationID: conversationID,
			Text:           text,
			IdempotencyKey: uuid.NewString(),
		}:
		}
	}
}
