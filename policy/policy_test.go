package policy

import (
	"testing"

	"github.com/brokerly/supportd/types"
	"github.com/stretchr/testify/assert"
)

func TestRequiresApproval(t *testing.T) {
	e := NewEvaluator(1_000_00)

	tests := []struct {
		name     string
		user     types.User
		required bool
		reasons  int
	}{
		{
			name:     "low risk auto-approves",
			user:     types.User{Status: types.UserStatusActive, BalanceCents: 500_00},
			required: false,
		},
		{
			name:     "balance at threshold auto-approves",
			user:     types.User{Status: types.UserStatusActive, BalanceCents: 1_000_00},
			required: false,
		},
		{
			name:     "balance above threshold",
			user:     types.User{Status: types.UserStatusActive, BalanceCents: 1_000_01},
			required: true,
			reasons:  1,
		},
		{
			name:     "open flags",
			user:     types.User{Status: types.UserStatusActive, OpenFlags: 2},
			required: true,
			reasons:  1,
		},
		{
			name:     "suspended account",
			user:     types.User{Status: types.UserStatusSuspended},
			required: true,
			reasons:  1,
		},
		{
			name:     "frozen account",
			user:     types.User{Status: types.UserStatusFrozen},
			required: true,
			reasons:  1,
		},
		{
			name: "all conditions at once",
			user: types.User{
				Status:       types.UserStatusSuspended,
				BalanceCents: 2_000_00,
				OpenFlags:    1,
			},
			required: true,
			reasons:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required, reasons := e.RequiresApproval(&tt.user)
			assert.Equal(t, tt.required, required)
			assert.Len(t, reasons, tt.reasons)
		})
	}
}

func TestRequiresApprovalZeroThreshold(t *testing.T) {
	// A zero threshold means any positive balance forces approval.
	e := NewEvaluator(0)

	required, _ := e.RequiresApproval(&types.User{Status: types.UserStatusActive, BalanceCents: 1})
	assert.True(t, required)

	required, _ = e.RequiresApproval(&types.User{Status: types.UserStatusActive, BalanceCents: 0})
	assert.False(t, required)
}
