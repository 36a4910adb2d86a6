package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/policy"
	"github.com/brokerly/supportd/types"
	"github.com/brokerly/supportd/users"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// SessionsStarted counts sessions that reached the Active state, by approval
// kind.
var SessionsStarted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "impersonation_sessions_started_total",
		Help: "Total number of impersonation sessions that became active",
	},
	[]string{"approval"},
)

// RequestContext carries the forensic attributes of the originating request.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Manager owns every lifecycle transition of impersonation sessions. It is
// constructed once at startup and handed to the HTTP layer and middleware; no
// other component writes session state.
type Manager struct {
	store         *Store
	users         users.Directory
	policy        *policy.Evaluator
	audit         *audit.Logger
	maxSessionAge time.Duration

	now func() time.Time
}

// NewManager creates a lifecycle manager. maxSessionAge of zero disables
// read-time expiry.
func NewManager(store *Store, directory users.Directory, evaluator *policy.Evaluator, auditLogger *audit.Logger, maxSessionAge time.Duration) *Manager {
	return &Manager{
		store:         store,
		users:         directory,
		policy:        evaluator,
		audit:         auditLogger,
		maxSessionAge: maxSessionAge,
		now:           time.Now,
	}
}

// RequestImpersonation files a request for admin to act as the target user.
// Low-risk targets auto-approve and the returned session is already active;
// otherwise it stays in Requested until a decision is made.
func (m *Manager) RequestImpersonation(ctx context.Context, admin *types.User, targetUserID uuid.UUID, reason string, reqCtx RequestContext) (*types.ImpersonationSession, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required: %w", types.ErrValidation)
	}
	if targetUserID == admin.ID {
		return nil, fmt.Errorf("cannot impersonate yourself: %w", types.ErrInvalidTarget)
	}

	target, err := m.users.GetUserByID(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	if target.IsAdmin {
		return nil, fmt.Errorf("cannot impersonate admin users: %w", types.ErrInvalidTarget)
	}

	if existing, err := m.store.GetActiveForPair(ctx, admin.ID, targetUserID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, types.ErrConflict
	}

	approvalRequired, riskReasons := m.policy.RequiresApproval(target)

	session := &types.ImpersonationSession{
		ID:               uuid.New(),
		AdminID:          admin.ID,
		TargetUserID:     target.ID,
		Reason:           reason,
		ApprovalRequired: approvalRequired,
		Active:           false,
		CreatedAt:        m.now(),
	}
	if reqCtx.IPAddress != "" {
		session.IPAddress = sql.NullString{String: reqCtx.IPAddress, Valid: true}
	}
	if reqCtx.UserAgent != "" {
		session.UserAgent = sql.NullString{String: reqCtx.UserAgent, Valid: true}
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", admin.ID.String()).
		Str("target_user_id", target.ID.String()).
		Bool("approval_required", approvalRequired).
		Str("reason", reason).
		Str("ip", reqCtx.IPAddress).
		Msg("Impersonation requested")

	requestDetail := types.JSONMap{"reason": reason}
	if len(riskReasons) > 0 {
		requestDetail["risk_reasons"] = riskReasons
	}
	m.audit.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeSessionRequest,
		Description: fmt.Sprintf("Impersonation of %s requested: %s", target.Email, reason),
		NewValues:   requestDetail,
		IPAddress:   session.IPAddress,
	})

	if approvalRequired {
		return session, nil
	}

	// Auto-approval: the requesting admin is recorded as a synthetic
	// approver, distinguishable from a human decision via auto_approved.
	if err := m.approve(ctx, session, admin.ID, true); err != nil {
		return nil, err
	}
	return session, nil
}

// ApproveImpersonation transitions a Requested session to Active.
func (m *Manager) ApproveImpersonation(ctx context.Context, sessionID, approverAdminID uuid.UUID) (*types.ImpersonationSession, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Decided() {
		return nil, types.ErrAlreadyProcessed
	}
	if err := m.approve(ctx, session, approverAdminID, false); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) approve(ctx context.Context, session *types.ImpersonationSession, approverAdminID uuid.UUID, auto bool) error {
	at := m.now()
	if err := m.store.Approve(ctx, session.ID, approverAdminID, auto, at); err != nil {
		return err
	}

	session.Active = true
	session.AutoApproved = auto
	session.ApprovedBy = types.NullUUID{UUID: approverAdminID, Valid: true}
	session.ApprovalTime = sql.NullTime{Time: at, Valid: true}
	session.StartTime = sql.NullTime{Time: at, Valid: true}

	kind := "manual"
	if auto {
		kind = "auto"
	}
	SessionsStarted.WithLabelValues(kind).Inc()

	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", session.AdminID.String()).
		Str("target_user_id", session.TargetUserID.String()).
		Str("approved_by", approverAdminID.String()).
		Bool("auto_approved", auto).
		Msg("Impersonation session activated")

	description := fmt.Sprintf("Session approved by admin %s", approverAdminID)
	if auto {
		description = "Session auto-approved by risk policy"
	}
	m.audit.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeSessionApproved,
		Description: description,
		NewValues:   types.JSONMap{"approved_by": approverAdminID.String(), "auto_approved": auto},
	})

	return nil
}

// DenyImpersonation transitions a Requested session to Denied, terminally.
// A non-empty reason is mandatory.
func (m *Manager) DenyImpersonation(ctx context.Context, sessionID, denierAdminID uuid.UUID, reason string) (*types.ImpersonationSession, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("denial reason is required: %w", types.ErrValidation)
	}

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Decided() {
		return nil, types.ErrAlreadyProcessed
	}

	if err := m.store.Deny(ctx, sessionID, denierAdminID, reason); err != nil {
		return nil, err
	}

	session.DeniedBy = types.NullUUID{UUID: denierAdminID, Valid: true}
	session.DenialReason = sql.NullString{String: reason, Valid: true}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", session.AdminID.String()).
		Str("target_user_id", session.TargetUserID.String()).
		Str("denied_by", denierAdminID.String()).
		Str("denial_reason", reason).
		Msg("Impersonation session denied")

	m.audit.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeSessionDenied,
		Description: fmt.Sprintf("Session denied by admin %s: %s", denierAdminID, reason),
		NewValues:   types.JSONMap{"denied_by": denierAdminID.String(), "denial_reason": reason},
	})

	return session, nil
}

// EndImpersonation transitions an Active session to Ended. endedBy may be
// uuid.Nil when the end is policy-driven rather than operator-initiated.
func (m *Manager) EndImpersonation(ctx context.Context, sessionID, endedByAdminID uuid.UUID) (*types.ImpersonationSession, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, types.ErrNotActive
	}

	at := m.now()
	if err := m.store.End(ctx, sessionID, endedByAdminID, at); err != nil {
		return nil, err
	}

	session.Active = false
	session.EndTime = sql.NullTime{Time: at, Valid: true}
	if endedByAdminID != uuid.Nil {
		session.EndedBy = types.NullUUID{UUID: endedByAdminID, Valid: true}
	}

	duration := session.Duration(at)

	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", session.AdminID.String()).
		Str("target_user_id", session.TargetUserID.String()).
		Dur("duration", duration).
		Msg("Impersonation session ended")

	m.audit.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeSessionEnded,
		Description: fmt.Sprintf("Session ended after %s", duration.Round(time.Second)),
		NewValues:   types.JSONMap{"duration": duration.String(), "ended_by": endedByAdminID.String()},
	})

	return session, nil
}

// GetActiveImpersonation returns the session currently active for an admin,
// or nil. Sessions older than the configured maximum age are finalized on the
// spot and not returned, which is how session expiry is enforced without a
// background sweeper.
func (m *Manager) GetActiveImpersonation(ctx context.Context, adminID uuid.UUID) (*types.ImpersonationSession, error) {
	session, err := m.store.GetActiveForAdmin(ctx, adminID)
	if err != nil || session == nil {
		return nil, err
	}

	if m.maxSessionAge > 0 && session.StartTime.Valid && m.now().Sub(session.StartTime.Time) > m.maxSessionAge {
		m.expire(ctx, session)
		return nil, nil
	}

	return session, nil
}

func (m *Manager) expire(ctx context.Context, session *types.ImpersonationSession) {
	at := m.now()
	if err := m.store.End(ctx, session.ID, uuid.Nil, at); err != nil {
		// Another request may have ended it in the meantime; either way it
		// is no longer active.
		if !errors.Is(err, types.ErrNotActive) {
			log.Error().Err(err).
				Str("session_id", session.ID.String()).
				Msg("Failed to finalize expired impersonation session")
		}
		return
	}

	session.Active = false
	session.EndTime = sql.NullTime{Time: at, Valid: true}
	duration := session.Duration(at)

	log.Warn().
		Str("session_id", session.ID.String()).
		Str("admin_id", session.AdminID.String()).
		Str("target_user_id", session.TargetUserID.String()).
		Dur("duration", duration).
		Dur("max_session_age", m.maxSessionAge).
		Msg("Impersonation session expired")

	m.audit.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeSessionExpired,
		Description: fmt.Sprintf("Session expired after %s (maximum age %s)", duration.Round(time.Second), m.maxSessionAge),
		NewValues:   types.JSONMap{"duration": duration.String()},
	})
}

// GetSession fetches one session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID uuid.UUID) (*types.ImpersonationSession, error) {
	return m.store.Get(ctx, sessionID)
}

// GetPendingRequests returns sessions awaiting a manual decision, oldest
// first.
func (m *Manager) GetPendingRequests(ctx context.Context) ([]types.ImpersonationSession, error) {
	return m.store.ListPending(ctx)
}

// GetHistory returns the filtered, paginated session read model, newest
// first.
func (m *Manager) GetHistory(ctx context.Context, filter types.HistoryFilter) ([]types.ImpersonationSession, int, error) {
	return m.store.History(ctx, filter)
}

// LogSessionAction attributes a business action to an active session through
// the explicit logging hook.
func (m *Manager) LogSessionAction(ctx context.Context, sessionID uuid.UUID, req types.LogActionRequest, ip string) error {
	if strings.TrimSpace(req.ActionType) == "" {
		return fmt.Errorf("action_type is required: %w", types.ErrValidation)
	}

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	action := &types.ImpersonationAction{
		ActionType:  req.ActionType,
		Description: req.Description,
		OldValues:   req.OldValues,
		NewValues:   req.NewValues,
	}
	if req.ResourceType != "" {
		action.ResourceType = sql.NullString{String: req.ResourceType, Valid: true}
	}
	if req.ResourceID != "" {
		action.ResourceID = sql.NullString{String: req.ResourceID, Valid: true}
	}
	if ip != "" {
		action.IPAddress = sql.NullString{String: ip, Valid: true}
	}

	m.audit.LogAction(ctx, session, action)
	return nil
}
