package impersonation

import (
	"context"
	"testing"
	"time"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/policy"
	"github.com/brokerly/supportd/types"
	"github.com/brokerly/supportd/users"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db      *database.Database
	users   *users.Store
	audit   *audit.Store
	store   *Store
	manager *Manager

	admin       *types.User
	secondAdmin *types.User
	target      *types.User
	riskyTarget *types.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	userStore := users.NewStore(db)
	auditStore := audit.NewStore(db)
	sessionStore := NewStore(db)
	logger := audit.NewLogger(auditStore, nil)
	evaluator := policy.NewEvaluator(10_000_00)
	manager := NewManager(sessionStore, userStore, evaluator, logger, 4*time.Hour)

	f := &fixture{
		db:      db,
		users:   userStore,
		audit:   auditStore,
		store:   sessionStore,
		manager: manager,
	}

	ctx := context.Background()
	f.admin = f.createUser(t, ctx, "ops@brokerly.test", true, types.UserStatusActive, 0, 0)
	f.secondAdmin = f.createUser(t, ctx, "ops2@brokerly.test", true, types.UserStatusActive, 0, 0)
	f.target = f.createUser(t, ctx, "customer@brokerly.test", false, types.UserStatusActive, 500_00, 0)
	f.riskyTarget = f.createUser(t, ctx, "whale@brokerly.test", false, types.UserStatusActive, 50_000_00, 0)

	return f
}

func (f *fixture) createUser(t *testing.T, ctx context.Context, email string, isAdmin bool, status string, balance int64, flags int) *types.User {
	t.Helper()
	user := &types.User{
		Email:        email,
		DisplayName:  email,
		IsAdmin:      isAdmin,
		Status:       status,
		BalanceCents: balance,
		OpenFlags:    flags,
	}
	require.NoError(t, f.users.Create(ctx, user))
	return user
}

func TestRequestImpersonationAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket #9", RequestContext{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	assert.True(t, session.Active)
	assert.False(t, session.ApprovalRequired)
	assert.True(t, session.AutoApproved)
	assert.Equal(t, types.SessionActive, session.State())
	require.True(t, session.ApprovedBy.Valid)
	assert.Equal(t, f.admin.ID, session.ApprovedBy.UUID)
	assert.True(t, session.StartTime.Valid)

	// Request and auto-approval both leave an action trail.
	actions, err := f.audit.ListActions(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, types.ActionTypeSessionRequest, actions[0].ActionType)
	assert.Equal(t, types.ActionTypeSessionApproved, actions[1].ActionType)
}

func TestRequestImpersonationHighBalanceRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	assert.False(t, session.Active)
	assert.True(t, session.ApprovalRequired)
	assert.False(t, session.Decided())
	assert.Equal(t, types.SessionRequested, session.State())

	// The middleware lookup must not see a pending session.
	active, err := f.manager.GetActiveImpersonation(ctx, f.admin.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRequestImpersonationRejectsSelf(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.RequestImpersonation(context.Background(), f.admin, f.admin.ID, "testing", RequestContext{})
	assert.ErrorIs(t, err, types.ErrInvalidTarget)
}

func TestRequestImpersonationRejectsAdminTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.RequestImpersonation(context.Background(), f.admin, f.secondAdmin.ID, "testing", RequestContext{})
	assert.ErrorIs(t, err, types.ErrInvalidTarget)
}

func TestRequestImpersonationRejectsUnknownTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.RequestImpersonation(context.Background(), f.admin, uuid.New(), "testing", RequestContext{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRequestImpersonationRequiresReason(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.RequestImpersonation(context.Background(), f.admin, f.target.ID, "   ", RequestContext{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRequestImpersonationConflictOnActivePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "first", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "second", RequestContext{})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestConflictEnforcedByStorageConstraint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "first", RequestContext{})
	require.NoError(t, err)
	require.True(t, first.Active)

	// Bypass the manager's pre-check and write directly, simulating the
	// losing side of a race: the partial unique index must reject it.
	second := &types.ImpersonationSession{
		AdminID:      f.admin.ID,
		TargetUserID: f.target.ID,
		Reason:       "racing request",
		Active:       true,
	}
	err = f.store.Create(ctx, second)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestApproveImpersonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	approved, err := f.manager.ApproveImpersonation(ctx, session.ID, f.secondAdmin.ID)
	require.NoError(t, err)

	assert.True(t, approved.Active)
	assert.False(t, approved.AutoApproved)
	require.True(t, approved.ApprovedBy.Valid)
	assert.Equal(t, f.secondAdmin.ID, approved.ApprovedBy.UUID)

	active, err := f.manager.GetActiveImpersonation(ctx, f.admin.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, session.ID, active.ID)
}

func TestApproveTwiceFailsAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.ApproveImpersonation(ctx, session.ID, f.secondAdmin.ID)
	require.NoError(t, err)

	_, err = f.manager.ApproveImpersonation(ctx, session.ID, f.secondAdmin.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyProcessed)
}

func TestDenyImpersonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	denied, err := f.manager.DenyImpersonation(ctx, session.ID, f.secondAdmin.ID, "not justified")
	require.NoError(t, err)

	assert.False(t, denied.Active)
	assert.Equal(t, types.SessionDenied, denied.State())

	// Denial is terminal: no activation afterwards.
	_, err = f.manager.ApproveImpersonation(ctx, session.ID, f.secondAdmin.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyProcessed)

	active, err := f.manager.GetActiveImpersonation(ctx, f.admin.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDenyRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.DenyImpersonation(ctx, session.ID, f.secondAdmin.ID, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDenyAfterApprovalLeavesSessionActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", RequestContext{})
	require.NoError(t, err)
	require.True(t, session.Active)

	_, err = f.manager.DenyImpersonation(ctx, session.ID, f.secondAdmin.ID, "too late")
	assert.ErrorIs(t, err, types.ErrAlreadyProcessed)

	// The session is untouched.
	current, err := f.manager.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.Active)
	assert.False(t, current.DenialReason.Valid)
}

func TestEndImpersonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", RequestContext{})
	require.NoError(t, err)

	ended, err := f.manager.EndImpersonation(ctx, session.ID, f.admin.ID)
	require.NoError(t, err)

	assert.False(t, ended.Active)
	assert.True(t, ended.EndTime.Valid)
	assert.Equal(t, types.SessionEnded, ended.State())

	// Ending again is rejected; a terminal session is never reactivated.
	_, err = f.manager.EndImpersonation(ctx, session.ID, f.admin.ID)
	assert.ErrorIs(t, err, types.ErrNotActive)

	// But a brand-new session for the same pair is allowed now.
	_, err = f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "follow-up ticket", RequestContext{})
	assert.NoError(t, err)
}

func TestEndUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.EndImpersonation(context.Background(), uuid.New(), f.admin.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEndPendingSessionFailsNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "account review", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.EndImpersonation(ctx, session.ID, f.admin.ID)
	assert.ErrorIs(t, err, types.ErrNotActive)
}

func TestGetActiveImpersonationExpiresOldSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", RequestContext{})
	require.NoError(t, err)
	require.True(t, session.Active)

	// Move the clock past the maximum session age.
	f.manager.now = func() time.Time { return time.Now().Add(5 * time.Hour) }

	active, err := f.manager.GetActiveImpersonation(ctx, f.admin.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	expired, err := f.manager.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, expired.Active)
	assert.True(t, expired.EndTime.Valid)

	actions, err := f.audit.ListActions(ctx, session.ID)
	require.NoError(t, err)
	var sawExpiry bool
	for _, a := range actions {
		if a.ActionType == types.ActionTypeSessionExpired {
			sawExpiry = true
		}
	}
	assert.True(t, sawExpiry, "expected a session_expired action")
}

func TestPendingRequestsOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := &types.ImpersonationSession{
		AdminID:          f.admin.ID,
		TargetUserID:     f.riskyTarget.ID,
		Reason:           "older",
		ApprovalRequired: true,
		CreatedAt:        time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.Create(ctx, older))

	newer, err := f.manager.RequestImpersonation(ctx, f.secondAdmin, f.riskyTarget.ID, "newer", RequestContext{})
	require.NoError(t, err)

	pending, err := f.manager.GetPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
}

func TestHistoryFiltersAndPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "first", RequestContext{})
	require.NoError(t, err)
	_, err = f.manager.EndImpersonation(ctx, s1.ID, f.admin.ID)
	require.NoError(t, err)

	s2, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "second", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.RequestImpersonation(ctx, f.secondAdmin, f.target.ID, "other admin", RequestContext{})
	require.NoError(t, err)

	sessions, total, err := f.manager.GetHistory(ctx, types.HistoryFilter{AdminID: f.admin.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, sessions, 2)

	sessions, total, err = f.manager.GetHistory(ctx, types.HistoryFilter{AdminID: f.admin.ID, ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, sessions, 1)
	assert.Equal(t, s2.ID, sessions[0].ID)

	sessions, total, err = f.manager.GetHistory(ctx, types.HistoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, sessions, 1)

	sessions, _, err = f.manager.GetHistory(ctx, types.HistoryFilter{Limit: 1, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, sessions, 0)
}

func TestLogSessionAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", RequestContext{})
	require.NoError(t, err)

	err = f.manager.LogSessionAction(ctx, session.ID, types.LogActionRequest{
		ActionType:   "balance_adjustment",
		Description:  "Corrected settlement error",
		ResourceType: "portfolio",
		ResourceID:   "p-123",
		OldValues:    types.JSONMap{"balance_cents": float64(100)},
		NewValues:    types.JSONMap{"balance_cents": float64(200)},
	}, "10.0.0.2")
	require.NoError(t, err)

	actions, err := f.audit.ListActions(ctx, session.ID)
	require.NoError(t, err)

	last := actions[len(actions)-1]
	assert.Equal(t, "balance_adjustment", last.ActionType)
	assert.Equal(t, "portfolio", last.ResourceType.String)
	assert.Equal(t, float64(200), last.NewValues["balance_cents"])
	assert.Equal(t, "10.0.0.2", last.IPAddress.String)
}

func TestLogSessionActionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "support ticket", RequestContext{})
	require.NoError(t, err)

	err = f.manager.LogSessionAction(ctx, session.ID, types.LogActionRequest{ActionType: "  "}, "")
	assert.ErrorIs(t, err, types.ErrValidation)

	err = f.manager.LogSessionAction(ctx, uuid.New(), types.LogActionRequest{ActionType: "x"}, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, err := f.manager.RequestImpersonation(ctx, f.admin, f.target.ID, "first", RequestContext{})
	require.NoError(t, err)
	_, err = f.manager.EndImpersonation(ctx, s1.ID, f.admin.ID)
	require.NoError(t, err)

	_, err = f.manager.RequestImpersonation(ctx, f.admin, f.riskyTarget.ID, "pending one", RequestContext{})
	require.NoError(t, err)

	_, err = f.manager.RequestImpersonation(ctx, f.secondAdmin, f.target.ID, "active one", RequestContext{})
	require.NoError(t, err)

	reporter := NewReporter(f.store, f.audit)
	stats, err := reporter.Stats(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.PendingApprovals)
	assert.Equal(t, DefaultStatsWindowDays, stats.WindowDays)
	assert.NotEmpty(t, stats.TopAdmins)
	assert.Equal(t, f.admin.ID, stats.TopAdmins[0].AdminID)
	// Every lifecycle event mirrors a high-risk audit entry.
	assert.Greater(t, stats.HighRiskAuditEntries, 0)
}
