package dispatch

import (
	"slices"

	"github.com/dukex/lexflow/pkg/models"
)

// Verdict is the aggregate of approver decisions.
type Verdict int

const (
	VerdictWaiting Verdict = iota
	VerdictApproved
	VerdictRejected
)

// Tally is the counted state of an approval action.
type Tally struct {
	Verdict    Verdict
	Approved   []string
	RejectedBy *models.ApprovalDecision
	Waiting    []string
}

// CountDecisions tallies decisions of listed approvers. Only the first
// decision of each approver counts. Any rejection rejects; with requiereTodos
// every approver must approve, otherwise one approval is enough.
func CountDecisions(a *models.ApprovalAction, decisions []models.ApprovalDecision) Tally {
	var tally Tally

	seen := map[string]bool{}

	for i := range decisions {
		d := decisions[i]
		if seen[d.ApproverID] || !slices.Contains(a.Approvers, d.ApproverID) {
			continue
		}

		seen[d.ApproverID] = true

		switch d.Decision {
		case models.DecisionRejected:
			if tally.RejectedBy == nil {
				tally.RejectedBy = &d
			}
		case models.DecisionApproved:
			tally.Approved = append(tally.Approved, d.ApproverID)
		}
	}

	for _, approver := range a.Approvers {
		if !seen[approver] {
			tally.Waiting = append(tally.Waiting, approver)
		}
	}

	switch {
	case tally.RejectedBy != nil:
		tally.Verdict = VerdictRejected
	case a.RequireAll && len(tally.Waiting) == 0 && len(tally.Approved) > 0:
		tally.Verdict = VerdictApproved
	case !a.RequireAll && len(tally.Approved) > 0:
		tally.Verdict = VerdictApproved
	default:
		tally.Verdict = VerdictWaiting
	}

	return tally
}

// CanDecide reports whether approver may still record a decision.
func CanDecide(a *models.ApprovalAction, decisions []models.ApprovalDecision, approverID string) bool {
	if !slices.Contains(a.Approvers, approverID) {
		return false
	}

	return !slices.ContainsFunc(decisions, func(d models.ApprovalDecision) bool { return d.ApproverID == approverID })
}
