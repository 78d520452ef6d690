package ndr

import (
	"time"

	"opsync/internal/domain"
)

const DefaultHighValueThreshold = 5000

// SLA hours by reason code. Anything not listed gets defaultSLA.
var slaByReason = map[domain.ReasonCode]time.Duration{
	domain.ReasonRefused:      24 * time.Hour,
	domain.ReasonCashNotReady: 48 * time.Hour,
}

const defaultSLA = 36 * time.Hour

type Policy struct {
	HighValueThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{HighValueThreshold: DefaultHighValueThreshold}
}

func SLA(reason domain.ReasonCode) time.Duration {
	if d, ok := slaByReason[reason]; ok {
		return d
	}
	return defaultSLA
}

func DueAt(reason domain.ReasonCode, from time.Time) time.Time {
	return from.Add(SLA(reason))
}

// Priority: Refused is Urgent; high value or COD is High; else Medium.
func (p Policy) Priority(reason domain.ReasonCode, orderValue float64, method domain.PaymentMethod) domain.Priority {
	switch {
	case reason == domain.ReasonRefused:
		return domain.PriorityUrgent
	case orderValue > p.HighValueThreshold, method == domain.PaymentCOD:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}
