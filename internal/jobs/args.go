package jobs

import (
	"time"

	"opsync/internal/domain"
)

// ArgDefaults fills kind-specific arguments for scheduled ticks and
// on-demand requests.
type ArgDefaults struct {
	OrderLookback time.Duration
	StaleAfter    time.Duration
	RetentionDays int
}

// Args returns the arguments for kind at now. Fields already set in override win.
func (d ArgDefaults) Args(kind domain.JobKind, now time.Time, override domain.JobArgs) domain.JobArgs {
	a := override
	a.Now = now
	switch kind {
	case domain.JobOrderSync:
		if a.Since.IsZero() {
			a.Since = now.Add(-d.OrderLookback)
		}
	case domain.JobShipmentTracking:
		if a.StaleAfter == 0 {
			a.StaleAfter = d.StaleAfter
		}
	case domain.JobDataCleanup:
		if a.RetentionDays == 0 {
			a.RetentionDays = d.RetentionDays
		}
	}
	return a
}
