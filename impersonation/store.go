// Package impersonation owns the lifecycle of admin impersonation sessions.
package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/types"
	"github.com/google/uuid"
)

// Store persists impersonation sessions. Transitions are conditional writes
// so that decisions and termination are immutable at the storage layer, and
// the partial unique index on (admin_id, target_user_id) WHERE active = 1
// guarantees at most one active session per pair even under concurrent
// requests.
type Store struct {
	db *database.Database
}

// NewStore creates a session store over the shared database.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new session in the Requested state.
func (s *Store) Create(ctx context.Context, session *types.ImpersonationSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO impersonation_sessions
			(id, admin_id, target_user_id, reason, ip_address, user_agent,
			 approval_required, auto_approved, active, created_at)
		VALUES
			(:id, :admin_id, :target_user_id, :reason, :ip_address, :user_agent,
			 :approval_required, :auto_approved, :active, :created_at)`,
		session)
	if isUniqueViolation(err) {
		return types.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("creating impersonation session: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	err := s.db.DB().GetContext(ctx, &session,
		`SELECT * FROM impersonation_sessions WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", id, err)
	}
	return &session, nil
}

// GetActiveForAdmin returns the session currently active for an admin, or nil.
// This is the point lookup the substitution middleware runs on every request.
func (s *Store) GetActiveForAdmin(ctx context.Context, adminID uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	err := s.db.DB().GetContext(ctx, &session, `
		SELECT * FROM impersonation_sessions
		WHERE admin_id = ? AND active = 1
		LIMIT 1`, adminID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching active session for admin %s: %w", adminID, err)
	}
	return &session, nil
}

// GetActiveForPair returns the active session for an (admin, target) pair, or
// nil.
func (s *Store) GetActiveForPair(ctx context.Context, adminID, targetUserID uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	err := s.db.DB().GetContext(ctx, &session, `
		SELECT * FROM impersonation_sessions
		WHERE admin_id = ? AND target_user_id = ? AND active = 1
		LIMIT 1`, adminID.String(), targetUserID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching active session for pair: %w", err)
	}
	return &session, nil
}

// Approve transitions a session to Active. The WHERE clause only matches an
// undecided session, so a second decision never overwrites the first; the
// partial unique index rejects the update if another session for the pair is
// already active.
func (s *Store) Approve(ctx context.Context, id, approverID uuid.UUID, autoApproved bool, at time.Time) error {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE impersonation_sessions
		SET active = 1, approved_by = ?, approval_time = ?, auto_approved = ?, start_time = ?
		WHERE id = ? AND approval_time IS NULL AND denial_reason IS NULL`,
		approverID.String(), at, autoApproved, at, id.String())
	if isUniqueViolation(err) {
		return types.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("approving session %s: %w", id, err)
	}
	return s.checkDecisionApplied(ctx, id, res)
}

// Deny transitions a session to Denied, terminally.
func (s *Store) Deny(ctx context.Context, id, denierID uuid.UUID, reason string) error {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE impersonation_sessions
		SET denied_by = ?, denial_reason = ?
		WHERE id = ? AND approval_time IS NULL AND denial_reason IS NULL`,
		denierID.String(), reason, id.String())
	if err != nil {
		return fmt.Errorf("denying session %s: %w", id, err)
	}
	return s.checkDecisionApplied(ctx, id, res)
}

func (s *Store) checkDecisionApplied(ctx context.Context, id uuid.UUID, res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	// Nothing matched: either the session is gone or it already has a
	// decision.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return types.ErrAlreadyProcessed
}

// End transitions an Active session to Ended. endedBy may be uuid.Nil for
// policy-driven expiry.
func (s *Store) End(ctx context.Context, id, endedBy uuid.UUID, at time.Time) error {
	var endedByVal interface{}
	if endedBy != uuid.Nil {
		endedByVal = endedBy.String()
	}
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE impersonation_sessions
		SET active = 0, end_time = ?, ended_by = ?
		WHERE id = ? AND active = 1`,
		at, endedByVal, id.String())
	if err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return types.ErrNotActive
}

// ListPending returns sessions still awaiting a manual decision, oldest first
// so stale requests are not starved.
func (s *Store) ListPending(ctx context.Context) ([]types.ImpersonationSession, error) {
	sessions := []types.ImpersonationSession{}
	err := s.db.DB().SelectContext(ctx, &sessions, `
		SELECT * FROM impersonation_sessions
		WHERE approval_time IS NULL AND denial_reason IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending sessions: %w", err)
	}
	return sessions, nil
}

const historyMaxLimit = 500

// History returns the filtered session read model, newest first, with the
// total match count for pagination.
func (s *Store) History(ctx context.Context, filter types.HistoryFilter) ([]types.ImpersonationSession, int, error) {
	where := []string{"1 = 1"}
	args := []interface{}{}

	if filter.AdminID != uuid.Nil {
		where = append(where, "admin_id = ?")
		args = append(args, filter.AdminID.String())
	}
	if filter.TargetUserID != uuid.Nil {
		where = append(where, "target_user_id = ?")
		args = append(args, filter.TargetUserID.String())
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.Until)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.DB().GetContext(ctx, &total,
		"SELECT COUNT(*) FROM impersonation_sessions WHERE "+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("counting session history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	sessions := []types.ImpersonationSession{}
	query := "SELECT * FROM impersonation_sessions WHERE " + cond +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	if err := s.db.DB().SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing session history: %w", err)
	}

	return sessions, total, nil
}
