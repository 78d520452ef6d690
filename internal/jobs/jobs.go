// Package jobs holds the per-tenant units of work the scheduler runs.
package jobs

import (
	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/inbound"
	"opsync/internal/ndr"
	"opsync/internal/notify"
	"opsync/internal/tenant"
)

// Default batch sizes when JobArgs.BatchSize is unset.
const (
	defaultInventoryBatch    = 500
	defaultTrackingBatch     = 200
	defaultNdrBatch          = 200
	defaultRetryBatch        = 200
	defaultNotificationBatch = 100

	// maxOrderPages bounds one integration's pagination per run.
	maxOrderPages = 100
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	NDR        *ndr.Service
	Applier    *inbound.Applier
	Outbox     *notify.Outbox
}

// Units returns the unit of work for every job kind. Without an Outbox the
// notification_send kind is left out, so requests for it are rejected.
func Units(d Deps) map[domain.JobKind]tenant.Unit {
	units := map[domain.JobKind]tenant.Unit{
		domain.JobOrderSync:        OrderSync(d.Applier),
		domain.JobInventorySync:    InventorySync,
		domain.JobShipmentTracking: ShipmentTracking(d.Applier),
		domain.JobNdrFollowUp:      NdrFollowUp(d.NDR),
		domain.JobWebhookRetry:     WebhookRetry(d.Dispatcher),
		domain.JobDataCleanup:      DataCleanup,
	}
	if d.Outbox != nil {
		units[domain.JobNotificationSend] = NotificationSend(d.Outbox)
	}
	return units
}
