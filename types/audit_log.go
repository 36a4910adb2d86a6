package types

import (
	"database/sql"
	"time"
)

// Risk classifications for audit log entries. Everything performed while
// impersonating is mirrored at high risk regardless of the underlying
// action's normal level.
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// AuditLog represents a log entry in the general audit collaborator.
type AuditLog struct {
	ID           int64          `db:"id" json:"id"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
	ActorUserID  NullUUID       `db:"actor_user_id" json:"actor_user_id"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id"`
	RiskLevel    string         `db:"risk_level" json:"risk_level"`
	Changes      JSONMap        `db:"changes" json:"changes"`
	IPAddress    sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
}

// Audit log action constants.
const (
	ActionImpersonationRequested = "impersonation.requested"
	ActionImpersonationApproved  = "impersonation.approved"
	ActionImpersonationDenied    = "impersonation.denied"
	ActionImpersonationEnded     = "impersonation.ended"
	ActionImpersonationExpired   = "impersonation.expired"
	ActionImpersonationAccess    = "impersonation.access"
)

// Resource types for audit logging.
const (
	ResourceTypeUser                 = "user"
	ResourceTypeImpersonationSession = "impersonation_session"
)

// NewAuditLog creates a new audit log entry with common fields.
func NewAuditLog(actorUserID *NullUUID, action, resourceType, resourceID string) *AuditLog {
	entry := &AuditLog{
		Timestamp:    time.Now(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RiskLevel:    RiskLevelLow,
		Changes:      make(JSONMap),
	}

	if actorUserID != nil && actorUserID.Valid {
		entry.ActorUserID = *actorUserID
	}

	return entry
}

// WithChanges adds change details to the audit log.
func (a *AuditLog) WithChanges(changes map[string]interface{}) *AuditLog {
	if a.Changes == nil {
		a.Changes = make(JSONMap)
	}
	for k, v := range changes {
		a.Changes[k] = v
	}
	return a
}

// WithRiskLevel sets the entry's risk classification.
func (a *AuditLog) WithRiskLevel(level string) *AuditLog {
	a.RiskLevel = level
	return a
}

// WithIPAddress adds IP address to the audit log.
func (a *AuditLog) WithIPAddress(ip string) *AuditLog {
	if ip != "" {
		a.IPAddress = sql.NullString{String: ip, Valid: true}
	}
	return a
}

// WithUserAgent adds user agent to the audit log.
func (a *AuditLog) WithUserAgent(ua string) *AuditLog {
	if ua != "" {
		a.UserAgent = sql.NullString{String: ua, Valid: true}
	}
	return a
}

// AddDetail adds a key-value detail to the changes map.
func (a *AuditLog) AddDetail(key string, value interface{}) *AuditLog {
	if a.Changes == nil {
		a.Changes = make(JSONMap)
	}
	a.Changes[key] = value
	return a
}
