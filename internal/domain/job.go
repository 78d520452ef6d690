package domain

import (
	"fmt"
	"time"
)

type JobKind string

const (
	JobOrderSync        JobKind = "order_sync"
	JobInventorySync    JobKind = "inventory_sync"
	JobShipmentTracking JobKind = "shipment_tracking"
	JobNdrFollowUp      JobKind = "ndr_followup"
	JobWebhookRetry     JobKind = "webhook_retry"
	JobNotificationSend JobKind = "notification_send"
	JobDataCleanup      JobKind = "data_cleanup"
)

var AllJobKinds = []JobKind{
	JobOrderSync, JobInventorySync, JobShipmentTracking, JobNdrFollowUp,
	JobWebhookRetry, JobNotificationSend, JobDataCleanup,
}

func ParseJobKind(s string) (JobKind, error) {
	for _, k := range AllJobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown job kind %q", ErrInvalidJobArgs, s)
}

// JobArgs carries kind-specific arguments. Zero values mean "not set".
type JobArgs struct {
	Since         time.Time     `json:"since,omitempty"`
	StaleAfter    time.Duration `json:"staleAfter,omitempty"`
	RetentionDays int           `json:"retentionDays,omitempty"`
	BatchSize     int           `json:"batchSize,omitempty"`
	Now           time.Time     `json:"now"`
}

// Validate rejects arguments a kind cannot run with. A failure here is a
// configuration error, not a tenant failure.
func (a JobArgs) Validate(kind JobKind) error {
	if a.Now.IsZero() {
		return fmt.Errorf("%w: %s: now is required", ErrInvalidJobArgs, kind)
	}
	switch kind {
	case JobOrderSync:
		if a.Since.IsZero() || !a.Since.Before(a.Now) {
			return fmt.Errorf("%w: %s: since must be before now", ErrInvalidJobArgs, kind)
		}
	case JobShipmentTracking:
		if a.StaleAfter <= 0 {
			return fmt.Errorf("%w: %s: staleAfter must be positive", ErrInvalidJobArgs, kind)
		}
	case JobDataCleanup:
		if a.RetentionDays <= 0 {
			return fmt.Errorf("%w: %s: retentionDays must be positive", ErrInvalidJobArgs, kind)
		}
	}
	if a.BatchSize < 0 {
		return fmt.Errorf("%w: %s: batchSize must not be negative", ErrInvalidJobArgs, kind)
	}
	return nil
}

func (a JobArgs) Limit(def int) int {
	if a.BatchSize > 0 {
		return a.BatchSize
	}
	return def
}

type JobOutcome string

const (
	OutcomeSuccess JobOutcome = "success"
	OutcomePartial JobOutcome = "partial"
	OutcomeFailed  JobOutcome = "failed"
)

// UnitCounts is what one per-tenant unit of work reports back.
type UnitCounts struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errored   int `json:"errored"`

	// Unassignable counts NDRs left waiting because no agent had capacity.
	Unassignable int `json:"unassignable,omitempty"`
}

func (c *UnitCounts) Add(o UnitCounts) {
	c.Processed += o.Processed
	c.Updated += o.Updated
	c.Errored += o.Errored
	c.Unassignable += o.Unassignable
}

// Outcome derives the run outcome from the counts when the unit itself returned no error.
func (c UnitCounts) Outcome() JobOutcome {
	if c.Errored == 0 {
		return OutcomeSuccess
	}
	if c.Processed > c.Errored {
		return OutcomePartial
	}
	return OutcomeFailed
}

// JobRun is terminal once written; it is never retried itself.
type JobRun struct {
	ID         string     `json:"id"`
	Kind       JobKind    `json:"kind"`
	TenantID   string     `json:"tenantId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Outcome    JobOutcome `json:"outcome"`
	Counts     UnitCounts `json:"counts"`
	Error      string     `json:"error,omitempty"`
}

// JobSummary aggregates one RunForAllTenants invocation.
type JobSummary struct {
	Kind             JobKind       `json:"kind"`
	TenantsProcessed int           `json:"tenantsProcessed"`
	TenantsFailed    int           `json:"tenantsFailed"`
	ItemsChanged     int           `json:"itemsChanged"`
	ItemsErrored     int           `json:"itemsErrored"`
	FailedTenants    []string      `json:"failedTenants,omitempty"`
	Duration         time.Duration `json:"duration"`
}
