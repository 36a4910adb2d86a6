// Package policy decides whether an impersonation request may auto-approve.
package policy

import (
	"fmt"

	"github.com/brokerly/supportd/types"
)

// Evaluator classifies impersonation targets by risk. It is pure: no I/O, no
// clock, so it can be tested against fixtures directly.
type Evaluator struct {
	// HighValueThresholdCents forces manual approval for targets whose
	// balance exceeds it.
	HighValueThresholdCents int64
}

// NewEvaluator creates an evaluator with the configured balance threshold.
func NewEvaluator(highValueThresholdCents int64) *Evaluator {
	return &Evaluator{HighValueThresholdCents: highValueThresholdCents}
}

// RequiresApproval reports whether impersonating target needs a manual
// decision, along with the triggering reasons for the audit trail. Any single
// condition forces approval; the conditions are order-independent.
func (e *Evaluator) RequiresApproval(target *types.User) (bool, []string) {
	var reasons []string

	if target.BalanceCents > e.HighValueThresholdCents {
		reasons = append(reasons, fmt.Sprintf(
			"balance %d exceeds high-value threshold %d",
			target.BalanceCents, e.HighValueThresholdCents))
	}
	if target.OpenFlags > 0 {
		reasons = append(reasons, fmt.Sprintf("%d open moderation flag(s)", target.OpenFlags))
	}
	if target.Status != types.UserStatusActive {
		reasons = append(reasons, fmt.Sprintf("account status is %q", target.Status))
	}

	return len(reasons) > 0, reasons
}
