package audit

import (
	"context"

	"github.com/brokerly/supportd/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// WriteFailures counts audit writes that were swallowed instead of failing
// the caller. Alert on sustained growth: silent audit loss defeats the
// subsystem's purpose.
var WriteFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Total number of swallowed audit write failures",
	},
	[]string{"kind"},
)

// Logger is the action audit logger. Every write is best-effort: a failure is
// logged and counted but never surfaces to the caller, so business operations
// are not blocked by audit storage outages.
type Logger struct {
	store *Store
	queue *TaskClient // optional queued delivery of mirror entries
}

// NewLogger creates a logger. queue may be nil, in which case mirror entries
// are written synchronously.
func NewLogger(store *Store, queue *TaskClient) *Logger {
	return &Logger{store: store, queue: queue}
}

// mirrorAction maps an impersonation action type onto a general audit action.
func mirrorAction(actionType string) string {
	switch actionType {
	case types.ActionTypeSessionRequest:
		return types.ActionImpersonationRequested
	case types.ActionTypeSessionApproved:
		return types.ActionImpersonationApproved
	case types.ActionTypeSessionDenied:
		return types.ActionImpersonationDenied
	case types.ActionTypeSessionEnded:
		return types.ActionImpersonationEnded
	case types.ActionTypeSessionExpired:
		return types.ActionImpersonationExpired
	default:
		return types.ActionImpersonationAccess
	}
}

// LogAction records one action under a session and mirrors a summary entry
// into the general audit log at high risk. session provides the attribution
// (admin, target, session id); action.SessionID is filled from it.
func (l *Logger) LogAction(ctx context.Context, session *types.ImpersonationSession, action *types.ImpersonationAction) {
	action.SessionID = session.ID

	if err := l.store.InsertAction(ctx, action); err != nil {
		WriteFailures.WithLabelValues("action").Inc()
		log.Error().
			Err(err).
			Str("session_id", session.ID.String()).
			Str("action_type", action.ActionType).
			Msg("Failed to record impersonation action")
	}

	entry := types.NewAuditLog(
		&types.NullUUID{UUID: session.AdminID, Valid: true},
		mirrorAction(action.ActionType),
		types.ResourceTypeImpersonationSession,
		session.ID.String(),
	).WithRiskLevel(types.RiskLevelHigh).WithChanges(map[string]interface{}{
		"admin_id":       session.AdminID.String(),
		"target_user_id": session.TargetUserID.String(),
		"action_type":    action.ActionType,
		"description":    action.Description,
	})
	if action.IPAddress.Valid {
		entry = entry.WithIPAddress(action.IPAddress.String)
	}

	l.mirror(ctx, entry)
}

// Mirror writes a standalone entry to the general audit log, best-effort.
func (l *Logger) Mirror(ctx context.Context, entry *types.AuditLog) {
	l.mirror(ctx, entry)
}

func (l *Logger) mirror(ctx context.Context, entry *types.AuditLog) {
	if l.queue != nil {
		err := l.queue.EnqueueAuditLog(entry)
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("Audit queue unavailable, writing mirror entry directly")
	}

	if err := l.store.CreateAuditLog(ctx, entry); err != nil {
		WriteFailures.WithLabelValues("mirror").Inc()
		log.Error().
			Err(err).
			Str("action", entry.Action).
			Str("resource_id", entry.ResourceID).
			Msg("Failed to write audit log entry")
	}
}
