package auth

import (
	"chat-sync/errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates HTTP requests. The token comes from the
// Authorization header, or from the token query parameter since browsers
// cannot set headers on a websocket handshake.
func Middleware(log *slog.Logger, tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				tokenString = r.URL.Query().Get("token")
			}
			if tokenString == "" {
				http.Error(w, errors.ErrMissingToken.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := tokens.Validate(tokenString)
			if err != nil {
				log.Debug("Request rejected", "path", r.URL.Path, "error", err)
				http.Error(w, errors.ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
