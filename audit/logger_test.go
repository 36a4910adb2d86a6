package audit

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedSession inserts a minimal admin, target and active session so that
// action and mirror writes satisfy the foreign keys.
func seedSession(t *testing.T, db *database.Database) *types.ImpersonationSession {
	t.Helper()
	ctx := context.Background()

	session := &types.ImpersonationSession{
		ID:           uuid.New(),
		AdminID:      uuid.New(),
		TargetUserID: uuid.New(),
		Reason:       "support ticket",
		Active:       true,
	}
	for i, id := range []uuid.UUID{session.AdminID, session.TargetUserID} {
		_, err := db.DB().ExecContext(ctx,
			`INSERT INTO users (id, email) VALUES (?, ?)`,
			id.String(), fmt.Sprintf("user%d@brokerly.test", i))
		require.NoError(t, err)
	}
	_, err := db.DB().ExecContext(ctx,
		`INSERT INTO impersonation_sessions (id, admin_id, target_user_id, reason, active) VALUES (?, ?, ?, ?, 1)`,
		session.ID.String(), session.AdminID.String(), session.TargetUserID.String(), session.Reason)
	require.NoError(t, err)
	return session
}

func TestLogActionWritesActionAndMirror(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	logger := NewLogger(store, nil)
	session := seedSession(t, db)
	ctx := context.Background()

	logger.LogAction(ctx, session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeAPIRequest,
		Description: "GET /api/portfolio",
		IPAddress:   sql.NullString{String: "10.0.0.9", Valid: true},
	})

	actions, err := store.ListActions(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionTypeAPIRequest, actions[0].ActionType)
	assert.Equal(t, "GET /api/portfolio", actions[0].Description)
	assert.Equal(t, "10.0.0.9", actions[0].IPAddress.String)

	var entries []types.AuditLog
	err = db.DB().SelectContext(ctx, &entries,
		`SELECT * FROM audit_log WHERE resource_id = ?`, session.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ActionImpersonationAccess, entries[0].Action)
	assert.Equal(t, types.RiskLevelHigh, entries[0].RiskLevel)
	assert.Equal(t, types.ResourceTypeImpersonationSession, entries[0].ResourceType)
	require.True(t, entries[0].ActorUserID.Valid)
	assert.Equal(t, session.AdminID, entries[0].ActorUserID.UUID)
	assert.Equal(t, session.TargetUserID.String(), entries[0].Changes["target_user_id"])
	assert.Equal(t, "10.0.0.9", entries[0].IPAddress.String)
}

func TestMirrorActionMapping(t *testing.T) {
	tests := map[string]string{
		types.ActionTypeSessionRequest:  types.ActionImpersonationRequested,
		types.ActionTypeSessionApproved: types.ActionImpersonationApproved,
		types.ActionTypeSessionDenied:   types.ActionImpersonationDenied,
		types.ActionTypeSessionEnded:    types.ActionImpersonationEnded,
		types.ActionTypeSessionExpired:  types.ActionImpersonationExpired,
		types.ActionTypeAPIRequest:      types.ActionImpersonationAccess,
		"order_cancelled":               types.ActionImpersonationAccess,
	}
	for actionType, want := range tests {
		assert.Equal(t, want, mirrorAction(actionType), actionType)
	}
}

func TestLogActionSwallowsStorageFailure(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)

	store := NewStore(db)
	logger := NewLogger(store, nil)
	session := seedSession(t, db)
	require.NoError(t, db.Close())

	// Must not panic or surface an error to the caller.
	logger.LogAction(context.Background(), session, &types.ImpersonationAction{
		ActionType:  types.ActionTypeAPIRequest,
		Description: "GET /api/portfolio",
	})
}
