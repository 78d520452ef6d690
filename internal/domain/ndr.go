package domain

import (
	"strings"
	"time"
)

type NdrStatus string

const (
	NdrOpen               NdrStatus = "open"
	NdrInProgress         NdrStatus = "in_progress"
	NdrReattemptScheduled NdrStatus = "reattempt_scheduled"
	NdrRtoInitiated       NdrStatus = "rto_initiated"
	NdrResolved           NdrStatus = "resolved"
)

func (s NdrStatus) Terminal() bool { return s == NdrResolved }

// Assignable lists the states in which an assignee may be set.
func (s NdrStatus) Assignable() bool {
	return s == NdrInProgress || s == NdrReattemptScheduled || s == NdrRtoInitiated
}

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	*p = ParsePriority(string(b))
	return nil
}

type ReasonCode string

const (
	ReasonCustomerUnavailable ReasonCode = "customer_unavailable"
	ReasonRefused             ReasonCode = "refused"
	ReasonCashNotReady        ReasonCode = "cash_not_ready"
	ReasonWrongAddress        ReasonCode = "wrong_address"
	ReasonAddressIncomplete   ReasonCode = "address_incomplete"
	ReasonPhoneUnreachable    ReasonCode = "phone_unreachable"
	ReasonRescheduleRequested ReasonCode = "reschedule_requested"
	ReasonOther               ReasonCode = "other"
)

type PaymentMethod string

const (
	PaymentPrepaid PaymentMethod = "prepaid"
	PaymentCOD     PaymentMethod = "cod"
)

type Resolution string

const (
	ResolutionDelivered Resolution = "delivered"
	ResolutionRTO       Resolution = "rto"
	ResolutionCancelled Resolution = "cancelled"
)

func (r Resolution) Valid() bool {
	return r == ResolutionDelivered || r == ResolutionRTO || r == ResolutionCancelled
}

// NdrRecord is mutated only through state-machine transitions.
type NdrRecord struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	ShipmentID     string        `json:"shipmentId,omitempty"`
	OrderRef       string        `json:"orderRef"`
	AWB            string        `json:"awb"`
	Courier        string        `json:"courier"`
	ReasonCode     ReasonCode    `json:"reasonCode"`
	ReasonText     string        `json:"reasonText,omitempty"`
	AttemptCount   int           `json:"attemptCount"`
	OrderValue     float64       `json:"orderValue"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	CustomerPhone  string        `json:"customerPhone,omitempty"`
	Status         NdrStatus     `json:"status"`
	Priority       Priority      `json:"priority"`
	DueAt          time.Time     `json:"dueAt"`
	AssignedUserID string        `json:"assignedUserId,omitempty"`
	AssignedAt     *time.Time    `json:"assignedAt,omitempty"`
	ReattemptAt    *time.Time    `json:"reattemptAt,omitempty"`
	Resolution     Resolution    `json:"resolution,omitempty"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	EscalatedAt    *time.Time    `json:"escalatedAt,omitempty"`
	Version        int           `json:"version"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type ActionType string

const (
	ActionCall      ActionType = "call"
	ActionWhatsApp  ActionType = "whatsapp"
	ActionSMS       ActionType = "sms"
	ActionReattempt ActionType = "reattempt"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionCall, ActionWhatsApp, ActionSMS, ActionReattempt:
		return true
	}
	return false
}

type ActionOutcome string

const (
	OutcomeReached         ActionOutcome = "reached"
	OutcomeNoAnswer        ActionOutcome = "no_answer"
	OutcomeReattemptAgreed ActionOutcome = "reattempt_agreed"
	OutcomeCustomerRefused ActionOutcome = "refused"
	OutcomeAddressUpdated  ActionOutcome = "address_updated"
	OutcomeMessageSent     ActionOutcome = "message_sent"
)

// NdrAction is append-only; PerformedAt ordering is the audit trail.
type NdrAction struct {
	ID            string        `json:"id"`
	NdrID         string        `json:"ndrId"`
	Type          ActionType    `json:"type"`
	Outcome       ActionOutcome `json:"outcome,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	ReattemptDate *time.Time    `json:"reattemptDate,omitempty"`
	PerformedBy   string        `json:"performedBy"`
	PerformedAt   time.Time     `json:"performedAt"`
}

// AgentLoad is a transient view over NdrRecord, recomputed per assignment pass.
type AgentLoad struct {
	UserID         string
	Open           int
	Capacity       int
	LastAssignedAt time.Time
}

func (a AgentLoad) HasCapacity() bool { return a.Open < a.Capacity }

// NdrSignal is a normalized inbound NDR notification from a courier.
type NdrSignal struct {
	Courier       string        `json:"courier"`
	AWB           string        `json:"awb"`
	OrderRef      string        `json:"orderRef,omitempty"`
	ReasonCode    ReasonCode    `json:"reasonCode"`
	ReasonText    string        `json:"reasonText,omitempty"`
	AttemptCount  int           `json:"attemptCount"`
	OrderValue    float64       `json:"orderValue,omitempty"`
	PaymentMethod PaymentMethod `json:"paymentMethod,omitempty"`
	CustomerPhone string        `json:"customerPhone,omitempty"`
	OccurredAt    time.Time     `json:"occurredAt"`
}
