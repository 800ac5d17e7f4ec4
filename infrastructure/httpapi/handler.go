package httpapi

import (
	"chat-sync/auth"
	"chat-sync/domain"
	"chat-sync/errors"
	"chat-sync/services"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	log      *slog.Logger
	chat     services.IChatService
	typing   services.ITypingService
	presence services.IPresenceService
}

func NewHandler(log *slog.Logger, chat services.IChatService, typing services.ITypingService, presence services.IPresenceService) *Handler {
	return &Handler{log: log, chat: chat, typing: typing, presence: presence}
}

type createConversationRequest struct {
	OtherUserID domain.UserID `json:"other_user_id"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type setTypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// ErrorResponse tells a client whether retrying the same request may work.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	var body createConversationRequest
	if !h.decode(w, r, &body) {
		return
	}
	conv, err := h.chat.GetOrCreateConversation(r.Context(), domain.FindOrCreateCommand{UserID: user, OtherUserID: body.OtherUserID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	views, err := h.chat.ListConversations(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	conv, err := h.chat.GetConversation(r.Context(), conversationID(r), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ListMessages reads forward with ?since= or, when ?before= is present,
// backward from it. An empty before asks for the newest page.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	params := r.URL.Query()
	query := domain.ListMessagesQuery{ConversationID: conversationID(r), ViewerID: user}

	var err error
	if query.Limit, err = intParam(params.Get("limit")); err != nil {
		h.fail(w, r, err)
		return
	}
	since, err := messageID(params.Get("since"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	query.Since = since
	if params.Has("before") {
		query.Backward = true
		before, err := messageID(params.Get("before"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if before > 0 {
			query.Before = &before
		}
	}

	page, err := h.chat.ListMessages(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	var body sendMessageRequest
	if !h.decode(w, r, &body) {
		return
	}
	msg, err := h.chat.SendMessage(r.Context(), domain.SendMessageCommand{
		ConversationID: conversationID(r),
		SenderID:       user,
		Text:           body.Text,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	id, err := messageID(chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.chat.MarkRead(r.Context(), domain.MarkReadCommand{ConversationID: conversationID(r), MessageID: id, ReaderID: user})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r.Context())
	var body setTypingRequest
	if !h.decode(w, r, &body) {
		return
	}
	err := h.typing.SetTyping(r.Context(), domain.SetTypingCommand{ConversationID: conversationID(r), UserID: user, IsTyping: body.IsTyping})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	presence, err := h.presence.Get(r.Context(), domain.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		h.fail(w, r, errors.Validation("malformed body: %v", err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Retryable: errors.IsRetryable(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func conversationID(r *http.Request) domain.ConversationID {
	return domain.ConversationID(chi.URLParam(r, "conversationID"))
}

func messageID(s string) (domain.MessageID, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidCursor
	}
	return domain.MessageID(id), nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Validation("invalid limit %q", s)
	}
	return n, nil
}
