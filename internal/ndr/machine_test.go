package ndr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
)

var allStatuses = []domain.NdrStatus{
	domain.NdrOpen, domain.NdrInProgress, domain.NdrReattemptScheduled,
	domain.NdrRtoInitiated, domain.NdrResolved,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]domain.NdrStatus]bool{
		{domain.NdrOpen, domain.NdrInProgress}:                 true,
		{domain.NdrInProgress, domain.NdrReattemptScheduled}:   true,
		{domain.NdrInProgress, domain.NdrResolved}:             true,
		{domain.NdrInProgress, domain.NdrRtoInitiated}:         true,
		{domain.NdrReattemptScheduled, domain.NdrInProgress}:   true,
		{domain.NdrReattemptScheduled, domain.NdrResolved}:     true,
		{domain.NdrReattemptScheduled, domain.NdrRtoInitiated}: true,
		{domain.NdrRtoInitiated, domain.NdrResolved}:           true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			rec := domain.NdrRecord{ID: "ndr_1", Status: from}
			err := Transition(&rec, to)
			if allowed[[2]domain.NdrStatus{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, rec.Status)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.ErrorIs(t, err, domain.ErrIllegalTransition)
			var te *domain.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
			assert.Equal(t, from, rec.Status, "status unchanged after %s -> %s", from, to)
		}
	}
}

func TestResolvingClearsAssignee(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := domain.NdrRecord{Status: domain.NdrInProgress, AssignedUserID: "u1", AssignedAt: &at}

	require.NoError(t, Transition(&rec, domain.NdrResolved))
	assert.Empty(t, rec.AssignedUserID)
	assert.Nil(t, rec.AssignedAt)
	assert.Equal(t, "u1", rec.ResolvedBy)

	kept := domain.NdrRecord{Status: domain.NdrInProgress, AssignedUserID: "u1"}
	require.NoError(t, Transition(&kept, domain.NdrRtoInitiated))
	assert.Equal(t, "u1", kept.AssignedUserID)
}

func TestSLAByReason(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		reason domain.ReasonCode
		hours  int
	}{
		{domain.ReasonRefused, 24},
		{domain.ReasonCashNotReady, 48},
		{domain.ReasonCustomerUnavailable, 36},
		{domain.ReasonWrongAddress, 36},
		{domain.ReasonOther, 36},
		{"", 36},
	}
	for _, c := range cases {
		assert.Equal(t, at.Add(time.Duration(c.hours)*time.Hour), DueAt(c.reason, at), c.reason)
	}
}

func TestPriority(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, domain.PriorityUrgent, p.Priority(domain.ReasonRefused, 100, domain.PaymentPrepaid))
	assert.Equal(t, domain.PriorityUrgent, p.Priority(domain.ReasonRefused, 9000, domain.PaymentCOD))
	assert.Equal(t, domain.PriorityHigh, p.Priority(domain.ReasonCustomerUnavailable, 5000.01, domain.PaymentPrepaid))
	assert.Equal(t, domain.PriorityHigh, p.Priority(domain.ReasonCustomerUnavailable, 10, domain.PaymentCOD))
	assert.Equal(t, domain.PriorityMedium, p.Priority(domain.ReasonCustomerUnavailable, 5000, domain.PaymentPrepaid))
	assert.Equal(t, domain.PriorityMedium, p.Priority(domain.ReasonCashNotReady, 0, ""))
}

func TestPickAgent(t *testing.T) {
	loads := []domain.AgentLoad{
		{UserID: "u1", Open: 12, Capacity: 50},
		{UserID: "u2", Open: 8, Capacity: 50},
		{UserID: "u3", Open: 15, Capacity: 50},
	}
	idx, ok := PickAgent(loads)
	require.True(t, ok)
	assert.Equal(t, "u2", loads[idx].UserID)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tied := []domain.AgentLoad{
		{UserID: "a", Open: 3, Capacity: 5, LastAssignedAt: t0.Add(time.Hour)},
		{UserID: "b", Open: 3, Capacity: 5, LastAssignedAt: t0},
		{UserID: "c", Open: 1, Capacity: 1},
	}
	idx, ok = PickAgent(tied)
	require.True(t, ok)
	assert.Equal(t, "b", tied[idx].UserID, "least recently assigned wins a tie; full agents are skipped")

	_, ok = PickAgent([]domain.AgentLoad{{UserID: "x", Open: 50, Capacity: 50}, {UserID: "y", Open: 51, Capacity: 50}})
	assert.False(t, ok)
	_, ok = PickAgent(nil)
	assert.False(t, ok)
}
