package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/impersonation"
	"github.com/brokerly/supportd/types"
	"github.com/brokerly/supportd/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// MiddlewareFallbacks counts requests where impersonation detection failed
// internally and the fallback path (fail open or fail closed) was taken.
var MiddlewareFallbacks = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "impersonation_middleware_fallback_total",
		Help: "Total number of requests that hit the impersonation detection fallback path",
	},
)

// Response headers announcing active impersonation, consumed by the admin UI
// to render the banner.
const (
	HeaderImpersonationActive  = "X-Impersonation-Active"
	HeaderImpersonationAdmin   = "X-Impersonation-Admin-Id"
	HeaderImpersonationTarget  = "X-Impersonation-Target-Id"
	HeaderImpersonationSession = "X-Impersonation-Session-Id"
)

// Substitution is the per-request identity substitution middleware. It runs
// after authentication: when the authenticated admin has an active
// impersonation session, the effective identity for the remainder of the
// request becomes the target user (with role kept at admin), one api_request
// action is logged against the session, and successful responses are
// annotated with the impersonation headers.
type Substitution struct {
	manager    *impersonation.Manager
	users      users.Directory
	audit      *audit.Logger
	failClosed bool
}

// NewSubstitution creates the substitution middleware. failClosed rejects
// requests on internal detection errors instead of proceeding as the admin.
func NewSubstitution(manager *impersonation.Manager, directory users.Directory, auditLogger *audit.Logger, failClosed bool) *Substitution {
	return &Substitution{
		manager:    manager,
		users:      directory,
		audit:      auditLogger,
		failClosed: failClosed,
	}
}

// Middleware returns the http middleware. Must run after RequireAuth.
func (s *Substitution) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user := GetUserFromContext(ctx)
		if user == nil || !user.IsAdmin {
			next.ServeHTTP(w, r)
			return
		}

		session, err := s.manager.GetActiveImpersonation(ctx, user.ID)
		if err != nil {
			s.fallback(w, r, next, err)
			return
		}
		if session == nil {
			next.ServeHTTP(w, r)
			return
		}

		target, err := s.users.GetUserByID(ctx, session.TargetUserID)
		if errors.Is(err, types.ErrNotFound) {
			// Target vanished since the session started; serve the request
			// as the admin rather than failing it.
			log.Warn().
				Str("session_id", session.ID.String()).
				Str("target_user_id", session.TargetUserID.String()).
				Msg("Impersonation target no longer exists, skipping substitution")
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			s.fallback(w, r, next, err)
			return
		}

		identity := &types.EffectiveIdentity{
			UserID:          target.ID,
			Email:           target.Email,
			Role:            "admin",
			IsImpersonating: true,
			OriginalAdminID: user.ID,
			SessionID:       session.ID,
		}
		ctx = context.WithValue(ctx, ContextKeyEffectiveIdentity, identity)

		ip := GetClientIP(r)
		action := &types.ImpersonationAction{
			ActionType:  types.ActionTypeAPIRequest,
			Description: fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		}
		if ip != "" {
			action.IPAddress = sql.NullString{String: ip, Valid: true}
		}
		s.audit.LogAction(ctx, session, action)

		annotated := &annotatingResponseWriter{
			ResponseWriter: w,
			identity:       identity,
		}
		next.ServeHTTP(annotated, r.WithContext(ctx))
		annotated.flushHeaders(http.StatusOK)
	})
}

// fallback handles internal errors during impersonation detection. Fail open
// serves the request as the admin; fail closed rejects it. Either way the
// condition is counted and logged so it can be alerted on.
func (s *Substitution) fallback(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
	MiddlewareFallbacks.Inc()
	log.Error().
		Err(err).
		Str("path", r.URL.Path).
		Bool("fail_closed", s.failClosed).
		Msg("Impersonation detection failed")

	if s.failClosed {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusServiceUnavailable,
			"Impersonation state unavailable", err))
		return
	}
	next.ServeHTTP(w, r)
}

// annotatingResponseWriter injects the impersonation headers when the
// response turns out successful. Headers must be written before the status
// line, so they are attached at WriteHeader time.
type annotatingResponseWriter struct {
	http.ResponseWriter
	identity    *types.EffectiveIdentity
	headersSent bool
}

func (w *annotatingResponseWriter) WriteHeader(code int) {
	w.flushHeaders(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *annotatingResponseWriter) Write(b []byte) (int, error) {
	w.flushHeaders(http.StatusOK)
	return w.ResponseWriter.Write(b)
}

func (w *annotatingResponseWriter) flushHeaders(code int) {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if code >= 400 {
		return
	}
	h := w.Header()
	h.Set(HeaderImpersonationActive, "true")
	h.Set(HeaderImpersonationAdmin, w.identity.OriginalAdminID.String())
	h.Set(HeaderImpersonationTarget, w.identity.UserID.String())
	h.Set(HeaderImpersonationSession, w.identity.SessionID.String())
}
