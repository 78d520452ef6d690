package ndr

import "opsync/internal/domain"

// PickAgent returns the index of the agent with the lowest open count among
// those under capacity. Ties go to the least recently assigned, then user id.
func PickAgent(loads []domain.AgentLoad) (int, bool) {
	best := -1
	for i, a := range loads {
		if !a.HasCapacity() {
			continue
		}
		if best < 0 || better(a, loads[best]) {
			best = i
		}
	}
	return best, best >= 0
}

func better(a, b domain.AgentLoad) bool {
	if a.Open != b.Open {
		return a.Open < b.Open
	}
	if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
		return a.LastAssignedAt.Before(b.LastAssignedAt)
	}
	return a.UserID < b.UserID
}
