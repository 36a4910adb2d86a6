// Package auth provides session authentication and per-request identity
// substitution for active impersonation sessions.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/brokerly/supportd/types"
	"github.com/brokerly/supportd/users"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyUser is the context key for the authenticated principal.
	// This is always the original admin, even while impersonating.
	ContextKeyUser ContextKey = "user"
	// ContextKeyEffectiveIdentity is the context key for the substituted
	// identity, present only while an impersonation session is active.
	ContextKeyEffectiveIdentity ContextKey = "effective_identity"
)

// SessionMiddleware provides cookie-session authentication.
type SessionMiddleware struct {
	sessionStore sessions.Store
	cookieName   string
	users        users.Directory
}

// NewSessionMiddleware creates a new session middleware.
func NewSessionMiddleware(sessionStore sessions.Store, cookieName string, directory users.Directory) *SessionMiddleware {
	return &SessionMiddleware{
		sessionStore: sessionStore,
		cookieName:   cookieName,
		users:        directory,
	}
}

// Authenticate validates the session cookie and returns the user, or an
// error.
func (m *SessionMiddleware) Authenticate(r *http.Request) (*types.User, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err)
	}

	logged, ok := session.Values["logged"].(bool)
	if !ok || !logged {
		log.Warn().
			Str("path", r.URL.Path).
			Msg("Authentication required")
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil)
	}

	userIDStr, ok := session.Values["user_id"].(string)
	if !ok {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", nil)
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid user ID in session", nil)
	}

	user, err := m.users.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
	}

	return user, nil
}

// RequireAuth returns middleware that requires authentication.
func (m *SessionMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.Authenticate(r)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin returns middleware that requires admin privileges. Must run
// after RequireAuth.
func (m *SessionMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			if user != nil {
				log.Error().
					Str("user_id", user.ID.String()).
					Str("email", user.Email).
					Str("path", r.URL.Path).
					Msg("User is not an admin")
			}
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Admin privileges required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserFromContext retrieves the authenticated principal from the request
// context. While impersonating, this remains the original admin.
func GetUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// EffectiveIdentityFromContext returns the identity request handling should
// use for data scoping: the substituted identity while impersonation is
// active, otherwise one derived from the authenticated principal. Returns nil
// if the request is unauthenticated.
func EffectiveIdentityFromContext(ctx context.Context) *types.EffectiveIdentity {
	if identity, ok := ctx.Value(ContextKeyEffectiveIdentity).(*types.EffectiveIdentity); ok {
		return identity
	}

	user := GetUserFromContext(ctx)
	if user == nil {
		return nil
	}
	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	return &types.EffectiveIdentity{
		UserID: user.ID,
		Email:  user.Email,
		Role:   role,
	}
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For first, for proxied requests
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
