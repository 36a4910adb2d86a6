// Package audit records impersonation actions and mirrors them into the
// general audit log.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/types"
	"github.com/google/uuid"
)

// Sink is the general audit collaborator the logger mirrors entries into.
type Sink interface {
	CreateAuditLog(ctx context.Context, entry *types.AuditLog) error
}

// Store persists audit entries and impersonation actions.
type Store struct {
	db *database.Database
}

// NewStore creates an audit store over the shared database.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// CreateAuditLog appends an entry to the general audit log.
func (s *Store) CreateAuditLog(ctx context.Context, entry *types.AuditLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	res, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor_user_id, action, resource_type, resource_id, risk_level, changes, ip_address, user_agent)
		VALUES (:timestamp, :actor_user_id, :action, :resource_type, :resource_id, :risk_level, :changes, :ip_address, :user_agent)`,
		entry)
	if err != nil {
		return fmt.Errorf("inserting audit log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// InsertAction appends one impersonation action row. Actions are append-only;
// nothing in this service updates or deletes them.
func (s *Store) InsertAction(ctx context.Context, action *types.ImpersonationAction) error {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	res, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO impersonation_actions (session_id, action_type, description, resource_type, resource_id, old_values, new_values, ip_address, timestamp)
		VALUES (:session_id, :action_type, :description, :resource_type, :resource_id, :old_values, :new_values, :ip_address, :timestamp)`,
		action)
	if err != nil {
		return fmt.Errorf("inserting impersonation action: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		action.ID = id
	}
	return nil
}

// ListActions returns the actions logged under a session, oldest first.
func (s *Store) ListActions(ctx context.Context, sessionID uuid.UUID) ([]types.ImpersonationAction, error) {
	actions := []types.ImpersonationAction{}
	err := s.db.DB().SelectContext(ctx, &actions, `
		SELECT * FROM impersonation_actions
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("listing actions for session %s: %w", sessionID, err)
	}
	return actions, nil
}

// CountHighRiskSince counts high-risk impersonation entries in the general
// audit log newer than since.
func (s *Store) CountHighRiskSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.DB().GetContext(ctx, &count, `
		SELECT COUNT(*) FROM audit_log
		WHERE risk_level = ? AND resource_type = ? AND timestamp >= ?`,
		types.RiskLevelHigh, types.ResourceTypeImpersonationSession, since)
	if err != nil {
		return 0, fmt.Errorf("counting high risk audit entries: %w", err)
	}
	return count, nil
}
