// Package ndr owns the NDR case lifecycle: transitions, priority and SLA
// policy, agent assignment and the action log.
package ndr

import "opsync/internal/domain"

var transitions = map[domain.NdrStatus][]domain.NdrStatus{
	domain.NdrOpen:               {domain.NdrInProgress},
	domain.NdrInProgress:         {domain.NdrReattemptScheduled, domain.NdrResolved, domain.NdrRtoInitiated},
	domain.NdrReattemptScheduled: {domain.NdrInProgress, domain.NdrResolved, domain.NdrRtoInitiated},
	domain.NdrRtoInitiated:       {domain.NdrResolved},
}

func CanTransition(from, to domain.NdrStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves rec to status to. On an illegal move rec is not modified.
// A resolved record has no assignee; the last assignee moves to ResolvedBy
// when that is still empty.
func Transition(rec *domain.NdrRecord, to domain.NdrStatus) error {
	if !CanTransition(rec.Status, to) {
		return &domain.TransitionError{From: rec.Status, To: to}
	}
	rec.Status = to
	if to == domain.NdrResolved {
		if rec.ResolvedBy == "" {
			rec.ResolvedBy = rec.AssignedUserID
		}
		rec.AssignedUserID = ""
		rec.AssignedAt = nil
	}
	return nil
}
