// Package httpapi exposes the chat core over HTTP. Real-time updates go
// through the websocket gateway mounted at /v1/ws.
package httpapi

import (
	"chat-sync/auth"
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthCheck reports whether the backends answer.
type HealthCheck func(ctx context.Context) error

func NewRouter(log *slog.Logger, tokens *auth.Tokens, handler *Handler, ws http.Handler, health HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			log.Warn("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(log, tokens))
		r.Get("/ws", ws.ServeHTTP)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handler.CreateConversation)
			r.Get("/", handler.ListConversations)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", handler.GetConversation)
				r.Get("/messages", handler.ListMessages)
				r.Post("/messages", handler.SendMessage)
				r.Post("/messages/{messageID}/read", handler.MarkRead)
				r.Put("/typing", handler.SetTyping)
			})
		})
		r.Get("/users/{userID}/presence", handler.GetPresence)
	})
	return r
}
