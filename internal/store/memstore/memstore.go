// Package memstore keeps tenant data in process memory. It backs unit tests and
// the single-binary dev mode; it is not durable.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"opsync/internal/domain"
	"opsync/internal/store"
)

var _ store.TenantData = (*Tenant)(nil)

// Tenant holds one tenant partition.
type Tenant struct {
	mu sync.Mutex

	integrations  map[string]domain.Integration
	orders        map[string]domain.Order
	inventory     map[string]domain.InventoryLevel
	shipments     map[string]domain.Shipment
	tracking      map[string][]domain.TrackingEvent
	ndrs          map[string]domain.NdrRecord
	actions       map[string][]domain.NdrAction
	endpoint      domain.WebhookEndpoint
	deliveries    map[string]domain.WebhookDelivery
	leases        map[string]time.Time
	notifications map[string]domain.Notification
	jobRuns       []domain.JobRun
}

func NewTenant() *Tenant {
	return &Tenant{
		integrations:  map[string]domain.Integration{},
		orders:        map[string]domain.Order{},
		inventory:     map[string]domain.InventoryLevel{},
		shipments:     map[string]domain.Shipment{},
		tracking:      map[string][]domain.TrackingEvent{},
		ndrs:          map[string]domain.NdrRecord{},
		actions:       map[string][]domain.NdrAction{},
		deliveries:    map[string]domain.WebhookDelivery{},
		leases:        map[string]time.Time{},
		notifications: map[string]domain.Notification{},
	}
}

// Seeding helpers.

func (t *Tenant) PutIntegration(in domain.Integration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.integrations[in.ID] = in
}

func (t *Tenant) PutShipment(s domain.Shipment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shipments[s.ID] = s
}

func (t *Tenant) PutInventory(l domain.InventoryLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inventory[l.SKU] = l
}

func (t *Tenant) PutNdr(r domain.NdrRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ndrs[r.ID] = r
}

func (t *Tenant) SetWebhookEndpoint(ep domain.WebhookEndpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = ep
}

func (t *Tenant) JobRuns() []domain.JobRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.JobRun(nil), t.jobRuns...)
}

func (t *Tenant) Deliveries() []domain.WebhookDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.WebhookDelivery, 0, len(t.deliveries))
	for _, d := range t.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *Tenant) Notifications() []domain.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Notification, 0, len(t.notifications))
	for _, n := range t.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *Tenant) Ndrs() []domain.NdrRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.NdrRecord, 0, len(t.ndrs))
	for _, r := range t.ndrs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *Tenant) TrackingEvents(shipmentID string) []domain.TrackingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.TrackingEvent(nil), t.tracking[shipmentID]...)
}

// Integrations

func (t *Tenant) ListIntegrations(_ context.Context, kind domain.IntegrationKind) ([]domain.Integration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Integration
	for _, in := range t.integrations {
		if in.Kind == kind && in.Enabled {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tenant) GetIntegration(_ context.Context, id string) (domain.Integration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.integrations[id]
	if !ok {
		return domain.Integration{}, domain.ErrNotFound
	}
	return in, nil
}

func (t *Tenant) FindIntegrationByPlatform(_ context.Context, platform string) (domain.Integration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range t.integrations {
		if in.Platform == platform && in.Enabled {
			return in, nil
		}
	}
	return domain.Integration{}, domain.ErrNotFound
}

func (t *Tenant) SaveSyncCursor(_ context.Context, in store.SyncCursorUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.integrations[in.IntegrationID]
	if !ok {
		return domain.ErrNotFound
	}
	at := in.SyncedAt
	cur.SyncCursor = in.Cursor
	cur.LastSyncedAt = &at
	t.integrations[in.IntegrationID] = cur
	return nil
}

// Orders

func (t *Tenant) UpsertOrder(_ context.Context, o domain.Order) (bool, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cur := range t.orders {
		if cur.IntegrationID != o.IntegrationID || cur.ExternalID != o.ExternalID {
			continue
		}
		if cur.Status == o.Status && cur.Total == o.Total && !o.UpdatedAt.After(cur.UpdatedAt) {
			return false, false, nil
		}
		o.ID = id
		t.orders[id] = o
		return false, true, nil
	}
	t.orders[o.ID] = o
	return true, true, nil
}

func (t *Tenant) GetOrderByExternalID(_ context.Context, integrationID, externalID string) (domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.orders {
		if o.IntegrationID == integrationID && o.ExternalID == externalID {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (t *Tenant) GetOrder(_ context.Context, id string) (domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// Inventory

func (t *Tenant) ListUnpushedInventory(_ context.Context, limit int) ([]domain.InventoryLevel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.InventoryLevel
	for _, l := range t.inventory {
		if l.PushedAt == nil || l.UpdatedAt.After(*l.PushedAt) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return capSlice(out, limit), nil
}

func (t *Tenant) MarkInventoryPushed(_ context.Context, sku string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.inventory[sku]
	if !ok {
		return domain.ErrNotFound
	}
	l.PushedAt = &at
	t.inventory[sku] = l
	return nil
}

// Shipments

func (t *Tenant) InsertShipment(_ context.Context, sh domain.Shipment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.shipments {
		if s.AWB == sh.AWB {
			return domain.ErrDuplicate
		}
	}
	t.shipments[sh.ID] = sh
	return nil
}

func (t *Tenant) FindShipmentByOrder(_ context.Context, orderID string) (domain.Shipment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out domain.Shipment
	found := false
	for _, s := range t.shipments {
		if s.OrderID != orderID || s.Status == domain.ShipmentCancelled {
			continue
		}
		if !found || s.CreatedAt.After(out.CreatedAt) {
			out, found = s, true
		}
	}
	if !found {
		return domain.Shipment{}, domain.ErrNotFound
	}
	return out, nil
}

func (t *Tenant) ListStaleShipments(_ context.Context, staleBefore time.Time, limit int) ([]domain.Shipment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Shipment
	for _, s := range t.shipments {
		if s.Status.Terminal() {
			continue
		}
		if s.LastTrackedAt == nil || s.LastTrackedAt.Before(staleBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return capSlice(out, limit), nil
}

func (t *Tenant) GetShipmentByAWB(_ context.Context, awb string) (domain.Shipment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.shipments {
		if s.AWB == awb {
			return s, nil
		}
	}
	return domain.Shipment{}, domain.ErrNotFound
}

func (t *Tenant) UpdateShipmentTracking(_ context.Context, in store.TrackingUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.shipments[in.ShipmentID]
	if !ok {
		return domain.ErrNotFound
	}
	at := in.TrackedAt
	if in.Status != "" {
		s.Status = in.Status
	}
	s.LastTrackedAt = &at
	s.UpdatedAt = at
	t.shipments[in.ShipmentID] = s
	return nil
}

func (t *Tenant) InsertTrackingEvents(_ context.Context, shipmentID string, events []domain.TrackingEvent) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.tracking[shipmentID]
	n := 0
	for _, ev := range events {
		dup := false
		for _, cur := range existing {
			if cur.RawStatus == ev.RawStatus && cur.OccurredAt.Equal(ev.OccurredAt) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		existing = append(existing, ev)
		n++
	}
	t.tracking[shipmentID] = existing
	return n, nil
}

// NDR

func (t *Tenant) InsertNdr(_ context.Context, rec domain.NdrRecord) (domain.NdrRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.ndrs {
		if cur.AWB == rec.AWB && cur.AttemptCount == rec.AttemptCount {
			return cur, false, nil
		}
	}
	rec.Version = 1
	t.ndrs[rec.ID] = rec
	return rec, true, nil
}

func (t *Tenant) GetNdr(_ context.Context, id string) (domain.NdrRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.ndrs[id]
	if !ok {
		return domain.NdrRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (t *Tenant) FindActiveNdrByAWB(_ context.Context, awb string) (domain.NdrRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best domain.NdrRecord
	found := false
	for _, r := range t.ndrs {
		if r.AWB != awb || r.Status.Terminal() {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) {
			best, found = r, true
		}
	}
	if !found {
		return domain.NdrRecord{}, domain.ErrNotFound
	}
	return best, nil
}

func (t *Tenant) ListUnassignedOpen(_ context.Context, limit int) ([]domain.NdrRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.NdrRecord
	for _, r := range t.ndrs {
		if r.Status == domain.NdrOpen && r.AssignedUserID == "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return capSlice(out, limit), nil
}

func (t *Tenant) ListOverdueNdrs(_ context.Context, now time.Time, limit int) ([]domain.NdrRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.NdrRecord
	for _, r := range t.ndrs {
		if !r.Status.Terminal() && r.EscalatedAt == nil && r.DueAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return capSlice(out, limit), nil
}

func (t *Tenant) AgentStats(_ context.Context, userIDs []string) (map[string]store.AgentStat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]store.AgentStat, len(userIDs))
	for _, id := range userIDs {
		out[id] = store.AgentStat{}
	}
	for _, r := range t.ndrs {
		st, ok := out[r.AssignedUserID]
		if !ok {
			continue
		}
		if !r.Status.Terminal() {
			st.Open++
		}
		if r.AssignedAt != nil && r.AssignedAt.After(st.LastAssignedAt) {
			st.LastAssignedAt = *r.AssignedAt
		}
		out[r.AssignedUserID] = st
	}
	return out, nil
}

func (t *Tenant) SaveNdr(_ context.Context, rec domain.NdrRecord, expectedVersion int, action *domain.NdrAction) (domain.NdrRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.ndrs[rec.ID]
	if !ok {
		return domain.NdrRecord{}, domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.NdrRecord{}, store.ErrConflict
	}
	rec.Version = expectedVersion + 1
	t.ndrs[rec.ID] = rec
	if action != nil {
		t.actions[rec.ID] = append(t.actions[rec.ID], *action)
	}
	return rec, nil
}

func (t *Tenant) ListActions(_ context.Context, ndrID string) ([]domain.NdrAction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.NdrAction(nil), t.actions[ndrID]...), nil
}

// Webhook deliveries

func (t *Tenant) GetWebhookEndpoint(_ context.Context) (domain.WebhookEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint.URL == "" {
		return domain.WebhookEndpoint{}, domain.ErrNotFound
	}
	return t.endpoint, nil
}

func (t *Tenant) CreateDelivery(_ context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.deliveries {
		if cur.EventType == d.EventType && cur.IdempotencyKey == d.IdempotencyKey {
			return cur, false, nil
		}
	}
	t.deliveries[d.ID] = d
	return d, true, nil
}

func (t *Tenant) GetDelivery(_ context.Context, id string) (domain.WebhookDelivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deliveries[id]
	if !ok {
		return domain.WebhookDelivery{}, domain.ErrNotFound
	}
	return d, nil
}

func (t *Tenant) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, d := range t.deliveries {
		if !d.Status.Retryable() || d.NextAttemptAt.After(now) {
			continue
		}
		if until, ok := t.leases[d.ID]; ok && until.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return capSlice(out, limit), nil
}

func (t *Tenant) ClaimDelivery(_ context.Context, in store.DeliveryClaim) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deliveries[in.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if d.AttemptCount != in.AttemptCount || !d.Status.Retryable() {
		return false, nil
	}
	if until, ok := t.leases[in.ID]; ok && until.After(in.Now) {
		return false, nil
	}
	t.leases[in.ID] = in.LeaseUntil
	return true, nil
}

func (t *Tenant) RecordAttempt(_ context.Context, in store.DeliveryAttempt) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deliveries[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if d.AttemptCount != in.PrevAttemptCount {
		return store.ErrConflict
	}
	d.AttemptCount = in.AttemptCount
	d.Status = in.Status
	d.NextAttemptAt = in.NextAttemptAt
	d.LastError = in.LastError
	d.LastHTTPStatus = in.LastHTTPStatus
	if in.MaxAttempts > 0 {
		d.MaxAttempts = in.MaxAttempts
	}
	d.UpdatedAt = in.Now
	t.deliveries[in.ID] = d
	delete(t.leases, in.ID)
	return nil
}

func (t *Tenant) ListDeliveriesByStatus(_ context.Context, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, d := range t.deliveries {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return capSlice(out, limit), nil
}

func (t *Tenant) DeleteDeliveredBefore(_ context.Context, before time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, d := range t.deliveries {
		if d.Status == domain.DeliveryDelivered && d.UpdatedAt.Before(before) {
			delete(t.deliveries, id)
			n++
		}
	}
	return n, nil
}

// Notifications

func (t *Tenant) EnqueueNotification(_ context.Context, n domain.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.notifications[n.ID]; ok {
		return domain.ErrDuplicate
	}
	t.notifications[n.ID] = n
	return nil
}

func (t *Tenant) GetNotification(_ context.Context, id string) (domain.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.notifications[id]
	if !ok {
		return domain.Notification{}, domain.ErrNotFound
	}
	return n, nil
}

func (t *Tenant) ListPendingNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Notification
	for _, n := range t.notifications {
		if n.Status == domain.NotificationPending {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return capSlice(out, limit), nil
}

func (t *Tenant) MarkNotification(_ context.Context, in store.NotificationUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.notifications[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = in.Status
	n.Attempts = in.Attempts
	n.ProviderRef = in.ProviderRef
	n.LastError = in.LastError
	n.UpdatedAt = in.Now
	t.notifications[in.ID] = n
	return nil
}

// Job runs

func (t *Tenant) InsertJobRun(_ context.Context, run domain.JobRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobRuns = append(t.jobRuns, run)
	return nil
}

func (t *Tenant) DeleteJobRunsBefore(_ context.Context, before time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.jobRuns[:0]
	n := 0
	for _, r := range t.jobRuns {
		if r.FinishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	t.jobRuns = kept
	return n, nil
}

func capSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
