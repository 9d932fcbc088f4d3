package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shelfmark/shelfmark/internal/domain"
	"github.com/shelfmark/shelfmark/internal/service"
)

type contextKey struct{ name string }

var authUserKey = &contextKey{"auth_user"}

// AuthUser is the per-request authenticated identity view attached by the
// auth middleware.
type AuthUser struct {
	UserID        string          `json:"user_id"`
	Email         string          `json:"email"`
	Provider      domain.Provider `json:"provider"`
	PrimaryUserID string          `json:"primary_user_id"`
	LinkedUserIDs []string        `json:"linked_user_ids"`
}

// Logger logs each HTTP request with structured fields.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Auth validates the Bearer token, then re-resolves the caller's identity
// from the store: the user row is loaded, a primary-account reassignment made
// after the token was issued is chased, and the verified linked set is
// recomputed. Token-embedded linked ids are never trusted here; this is the
// authoritative path security-sensitive operations rely on.
func Auth(tokens *service.TokenService, resolver *service.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, domain.ErrUnauthorized)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteError(w, domain.ErrUnauthorized)
				return
			}

			claims, err := tokens.ParseSession(parts[1])
			if err != nil {
				WriteError(w, domain.ErrUnauthorized)
				return
			}

			identity, err := resolver.ResolveAuthoritative(r.Context(), claims.Subject)
			if err != nil {
				WriteError(w, domain.ErrUnauthorized)
				return
			}

			authUser := &AuthUser{
				UserID:        identity.PrimaryUserID,
				Email:         identity.User.RealEmail,
				Provider:      identity.User.Provider,
				PrimaryUserID: identity.PrimaryUserID,
				LinkedUserIDs: identity.LinkedUserIDs,
			}

			ctx := context.WithValue(r.Context(), authUserKey, authUser)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthUser extracts the authenticated identity from the request context.
func GetAuthUser(ctx context.Context) (*AuthUser, bool) {
	user, ok := ctx.Value(authUserKey).(*AuthUser)
	return user, ok
}
