package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SessionState describes where an impersonation session sits in its lifecycle.
type SessionState string

const (
	// SessionRequested means the session awaits a manual approval decision.
	SessionRequested SessionState = "requested"
	// SessionActive means the session was approved and identity substitution
	// applies to the admin's requests.
	SessionActive SessionState = "active"
	// SessionDenied is terminal; the session was never active.
	SessionDenied SessionState = "denied"
	// SessionEnded is terminal; the session was active and has been closed.
	SessionEnded SessionState = "ended"
)

// ImpersonationSession is the persisted record governing one admin acting as
// one target user. All transitions go through the lifecycle manager; the
// storage layer enforces that decisions are written at most once and that at
// most one active session exists per (admin, target) pair.
type ImpersonationSession struct {
	ID           uuid.UUID `db:"id" json:"id"`
	AdminID      uuid.UUID `db:"admin_id" json:"admin_id"`
	TargetUserID uuid.UUID `db:"target_user_id" json:"target_user_id"`
	Reason       string    `db:"reason" json:"reason"`

	IPAddress sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent sql.NullString `db:"user_agent" json:"user_agent,omitempty"`

	ApprovalRequired bool           `db:"approval_required" json:"approval_required"`
	AutoApproved     bool           `db:"auto_approved" json:"auto_approved"`
	ApprovedBy       NullUUID       `db:"approved_by" json:"approved_by,omitempty"`
	ApprovalTime     sql.NullTime   `db:"approval_time" json:"approval_time,omitempty"`
	DeniedBy         NullUUID       `db:"denied_by" json:"denied_by,omitempty"`
	DenialReason     sql.NullString `db:"denial_reason" json:"denial_reason,omitempty"`

	Active    bool         `db:"active" json:"active"`
	StartTime sql.NullTime `db:"start_time" json:"start_time,omitempty"`
	EndTime   sql.NullTime `db:"end_time" json:"end_time,omitempty"`
	EndedBy   NullUUID     `db:"ended_by" json:"ended_by,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// State derives the lifecycle state from the persisted fields.
func (s *ImpersonationSession) State() SessionState {
	switch {
	case s.DenialReason.Valid:
		return SessionDenied
	case s.Active:
		return SessionActive
	case s.EndTime.Valid:
		return SessionEnded
	default:
		return SessionRequested
	}
}

// Decided returns true once an approval or denial has been recorded. A decided
// session never accepts a second decision.
func (s *ImpersonationSession) Decided() bool {
	return s.ApprovalTime.Valid || s.DenialReason.Valid
}

// Duration returns the wall-clock span from activation to end, or to now for
// a still-active session. Zero for sessions that never activated.
func (s *ImpersonationSession) Duration(now time.Time) time.Duration {
	if !s.StartTime.Valid {
		return 0
	}
	end := now
	if s.EndTime.Valid {
		end = s.EndTime.Time
	}
	return end.Sub(s.StartTime.Time)
}

// Built-in impersonation action types. The log-action endpoint accepts
// free-form tags beyond these.
const (
	ActionTypeAPIRequest      = "api_request"
	ActionTypeSessionRequest  = "session_requested"
	ActionTypeSessionApproved = "session_approved"
	ActionTypeSessionDenied   = "session_denied"
	ActionTypeSessionEnded    = "session_ended"
	ActionTypeSessionExpired  = "session_expired"
)

// ImpersonationAction is one audit-worthy event attributed to a session: an
// API call served under substitution, a lifecycle transition, or a business
// action reported through the explicit logging hook. Append-only.
type ImpersonationAction struct {
	ID           int64          `db:"id" json:"id"`
	SessionID    uuid.UUID      `db:"session_id" json:"session_id"`
	ActionType   string         `db:"action_type" json:"action_type"`
	Description  string         `db:"description" json:"description"`
	ResourceType sql.NullString `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   sql.NullString `db:"resource_id" json:"resource_id,omitempty"`
	OldValues    JSONMap        `db:"old_values" json:"old_values,omitempty"`
	NewValues    JSONMap        `db:"new_values" json:"new_values,omitempty"`
	IPAddress    sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
}

// EffectiveIdentity is the per-request principal after substitution. It lives
// only in a request context and is never persisted or shared across requests.
// Role stays "admin" so permission checks downstream keep passing while data
// responses reflect the target user.
type EffectiveIdentity struct {
	UserID          uuid.UUID `json:"user_id"`
	Email           string    `json:"email"`
	Role            string    `json:"role"`
	IsImpersonating bool      `json:"is_impersonating"`
	OriginalAdminID uuid.UUID `json:"original_admin_id"`
	SessionID       uuid.UUID `json:"session_id"`
}

// ImpersonationRequest is the request body for POST /api/impersonation/request.
type ImpersonationRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

// DenialRequest is the request body for POST /api/impersonation/deny/{id}.
type DenialRequest struct {
	Reason string `json:"reason"`
}

// LogActionRequest is the request body for the explicit action logging hook.
type LogActionRequest struct {
	ActionType   string  `json:"action_type"`
	Description  string  `json:"description"`
	ResourceType string  `json:"resource_type,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
	OldValues    JSONMap `json:"old_values,omitempty"`
	NewValues    JSONMap `json:"new_values,omitempty"`
}

// SessionResponse wraps a session for API responses.
type SessionResponse struct {
	Message string                `json:"message,omitempty"`
	Session *ImpersonationSession `json:"session"`
}

// ActiveSessionResponse is the response for GET /api/impersonation/active.
type ActiveSessionResponse struct {
	Active  bool                  `json:"active"`
	Session *ImpersonationSession `json:"session,omitempty"`
}

// HistoryFilter narrows the session history read model.
type HistoryFilter struct {
	AdminID      uuid.UUID
	TargetUserID uuid.UUID
	Since        time.Time
	Until        time.Time
	ActiveOnly   bool
	Limit        int
	Offset       int
}

// HistoryResponse is the paginated response for GET /api/impersonation/history.
type HistoryResponse struct {
	Sessions []ImpersonationSession `json:"sessions"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// TopAdmin is one row of the per-admin volume ranking.
type TopAdmin struct {
	AdminID      uuid.UUID `db:"admin_id" json:"admin_id"`
	SessionCount int       `db:"session_count" json:"session_count"`
}

// ImpersonationStats are the aggregate dashboard numbers.
type ImpersonationStats struct {
	TotalRequests          int        `json:"total_requests"`
	ActiveSessions         int        `json:"active_sessions"`
	PendingApprovals       int        `json:"pending_approvals"`
	AverageDurationMinutes float64    `json:"average_duration_minutes"`
	TopAdmins              []TopAdmin `json:"top_admins"`
	HighRiskAuditEntries   int        `json:"high_risk_audit_entries"`
	WindowDays             int        `json:"window_days"`
}
