package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/types"
)

// Reporter derives the aggregate dashboard numbers from session and audit
// state. Read-only; no state of its own.
type Reporter struct {
	store *Store
	audit *audit.Store
}

// NewReporter creates a reporter over the session and audit stores.
func NewReporter(store *Store, auditStore *audit.Store) *Reporter {
	return &Reporter{store: store, audit: auditStore}
}

// DefaultStatsWindowDays is the trailing window for volume rankings and
// high-risk entry counts.
const DefaultStatsWindowDays = 30

// Stats computes the aggregate dashboard numbers over a trailing window of
// windowDays (<= 0 uses the default).
func (r *Reporter) Stats(ctx context.Context, windowDays int) (*types.ImpersonationStats, error) {
	if windowDays <= 0 {
		windowDays = DefaultStatsWindowDays
	}
	since := time.Now().AddDate(0, 0, -windowDays)
	db := r.store.db.DB()

	stats := &types.ImpersonationStats{WindowDays: windowDays}

	if err := db.GetContext(ctx, &stats.TotalRequests,
		`SELECT COUNT(*) FROM impersonation_sessions`); err != nil {
		return nil, fmt.Errorf("counting total requests: %w", err)
	}

	if err := db.GetContext(ctx, &stats.ActiveSessions,
		`SELECT COUNT(*) FROM impersonation_sessions WHERE active = 1`); err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}

	if err := db.GetContext(ctx, &stats.PendingApprovals, `
		SELECT COUNT(*) FROM impersonation_sessions
		WHERE approval_time IS NULL AND denial_reason IS NULL`); err != nil {
		return nil, fmt.Errorf("counting pending approvals: %w", err)
	}

	// Average wall-clock minutes from activation to end, counting still
	// active sessions up to now.
	var avg sql.NullFloat64
	err := db.GetContext(ctx, &avg, `
		SELECT AVG((julianday(COALESCE(end_time, CURRENT_TIMESTAMP)) - julianday(start_time)) * 24 * 60)
		FROM impersonation_sessions
		WHERE start_time IS NOT NULL`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("computing average session duration: %w", err)
	}
	if avg.Valid {
		stats.AverageDurationMinutes = avg.Float64
	}

	stats.TopAdmins = []types.TopAdmin{}
	if err := db.SelectContext(ctx, &stats.TopAdmins, `
		SELECT admin_id, COUNT(*) AS session_count
		FROM impersonation_sessions
		WHERE created_at >= ?
		GROUP BY admin_id
		ORDER BY session_count DESC, admin_id ASC
		LIMIT 10`, since); err != nil {
		return nil, fmt.Errorf("ranking admins by volume: %w", err)
	}

	highRisk, err := r.audit.CountHighRiskSince(ctx, since)
	if err != nil {
		return nil, err
	}
	stats.HighRiskAuditEntries = highRisk

	return stats, nil
}
