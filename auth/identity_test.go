package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/impersonation"
	"github.com/brokerly/supportd/policy"
	"github.com/brokerly/supportd/types"
	"github.com/brokerly/supportd/users"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identityFixture struct {
	db      *database.Database
	users   *users.Store
	audit   *audit.Store
	manager *impersonation.Manager

	admin  *types.User
	target *types.User
}

func newIdentityFixture(t *testing.T) *identityFixture {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	userStore := users.NewStore(db)
	auditStore := audit.NewStore(db)
	logger := audit.NewLogger(auditStore, nil)
	manager := impersonation.NewManager(
		impersonation.NewStore(db),
		userStore,
		policy.NewEvaluator(10_000_00),
		logger,
		4*time.Hour,
	)

	f := &identityFixture{
		db:      db,
		users:   userStore,
		audit:   auditStore,
		manager: manager,
	}

	ctx := context.Background()
	f.admin = &types.User{Email: "ops@brokerly.test", IsAdmin: true, Status: types.UserStatusActive}
	require.NoError(t, userStore.Create(ctx, f.admin))
	f.target = &types.User{Email: "customer@brokerly.test", Status: types.UserStatusActive}
	require.NoError(t, userStore.Create(ctx, f.target))

	return f
}

func (f *identityFixture) substitution(t *testing.T, failClosed bool) *Substitution {
	t.Helper()
	logger := audit.NewLogger(f.audit, nil)
	return NewSubstitution(f.manager, f.users, logger, failClosed)
}

// serveAs runs a request through the substitution middleware with the given
// principal in context, capturing the effective identity the handler saw.
func serveAs(t *testing.T, sub *Substitution, user *types.User) (*httptest.ResponseRecorder, *types.EffectiveIdentity) {
	t.Helper()

	var seen *types.EffectiveIdentity
	handler := sub.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = EffectiveIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	if user != nil {
		req = req.WithContext(context.WithValue(req.Context(), ContextKeyUser, user))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func countAPIRequestActions(t *testing.T, f *identityFixture, sessionID uuid.UUID) int {
	t.Helper()
	actions, err := f.audit.ListActions(context.Background(), sessionID)
	require.NoError(t, err)
	n := 0
	for _, a := range actions {
		if a.ActionType == types.ActionTypeAPIRequest {
			n++
		}
	}
	return n
}

func TestSubstitutionNonAdminPassesThrough(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)

	rec, seen := serveAs(t, sub, f.target)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderImpersonationActive))
	require.NotNil(t, seen)
	assert.False(t, seen.IsImpersonating)
	assert.Equal(t, f.target.ID, seen.UserID)
	assert.Equal(t, "user", seen.Role)
}

func TestSubstitutionNoActiveSessionPassesThrough(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)

	rec, seen := serveAs(t, sub, f.admin)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderImpersonationActive))
	require.NotNil(t, seen)
	assert.False(t, seen.IsImpersonating)
	assert.Equal(t, f.admin.ID, seen.UserID)
	assert.Equal(t, "admin", seen.Role)
}

func TestSubstitutionActiveSession(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket #9", impersonation.RequestContext{})
	require.NoError(t, err)
	require.True(t, session.Active)

	rec, seen := serveAs(t, sub, f.admin)

	assert.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, seen)
	assert.True(t, seen.IsImpersonating)
	assert.Equal(t, f.target.ID, seen.UserID)
	assert.Equal(t, f.target.Email, seen.Email)
	assert.Equal(t, "admin", seen.Role, "elevated permissions are preserved")
	assert.Equal(t, f.admin.ID, seen.OriginalAdminID)
	assert.Equal(t, session.ID, seen.SessionID)

	assert.Equal(t, "true", rec.Header().Get(HeaderImpersonationActive))
	assert.Equal(t, f.admin.ID.String(), rec.Header().Get(HeaderImpersonationAdmin))
	assert.Equal(t, f.target.ID.String(), rec.Header().Get(HeaderImpersonationTarget))
	assert.Equal(t, session.ID.String(), rec.Header().Get(HeaderImpersonationSession))

	assert.Equal(t, 1, countAPIRequestActions(t, f, session.ID))

	// A second request logs a second action, one per substituted request.
	serveAs(t, sub, f.admin)
	assert.Equal(t, 2, countAPIRequestActions(t, f, session.ID))
}

func TestSubstitutionPendingSessionNotApplied(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)
	ctx := context.Background()

	// Push the target over the balance threshold so the request stays
	// pending.
	_, err := f.db.DB().ExecContext(ctx,
		`UPDATE users SET balance_cents = 99999999 WHERE id = ?`, f.target.ID.String())
	require.NoError(t, err)

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "big account", impersonation.RequestContext{})
	require.NoError(t, err)
	require.False(t, session.Active)

	rec, seen := serveAs(t, sub, f.admin)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderImpersonationActive))
	require.NotNil(t, seen)
	assert.False(t, seen.IsImpersonating)
	assert.Equal(t, f.admin.ID, seen.UserID)
	assert.Equal(t, 0, countAPIRequestActions(t, f, session.ID))
}

func TestSubstitutionVanishedTargetPassesThrough(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", impersonation.RequestContext{})
	require.NoError(t, err)
	require.True(t, session.Active)

	_, err = f.db.DB().ExecContext(ctx,
		`UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?`, f.target.ID.String())
	require.NoError(t, err)

	rec, seen := serveAs(t, sub, f.admin)

	// The request succeeds as the admin instead of failing.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderImpersonationActive))
	require.NotNil(t, seen)
	assert.False(t, seen.IsImpersonating)
	assert.Equal(t, f.admin.ID, seen.UserID)
}

func TestSubstitutionUnauthenticatedPassesThrough(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)

	rec, seen := serveAs(t, sub, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, seen)
}

func TestSubstitutionFailClosedRejectsOnError(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, true)

	// Break the session lookup underneath the middleware.
	require.NoError(t, f.db.Close())

	rec, _ := serveAs(t, sub, f.admin)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubstitutionFailOpenServesAsAdminOnError(t *testing.T) {
	f := newIdentityFixture(t)
	sub := f.substitution(t, false)

	require.NoError(t, f.db.Close())

	rec, seen := serveAs(t, sub, f.admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.False(t, seen.IsImpersonating)
}
