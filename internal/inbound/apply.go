// Package inbound applies normalized platform events to a tenant scope. The
// same code path serves webhooks and polling jobs.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"opsync/internal/domain"
	"opsync/internal/ndr"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

type Applier struct {
	NDR *ndr.Service
	Now func() time.Time
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return util.NowUTC()
}

// Apply dispatches ev by kind. It reports whether tenant state changed.
func (a *Applier) Apply(ctx context.Context, sc *tenant.Scope, ev domain.InboundEvent) (bool, error) {
	switch ev.Kind {
	case domain.InboundIgnored:
		return false, nil
	case domain.InboundOrder:
		if ev.Order == nil {
			return false, fmt.Errorf("%w: order", domain.ErrMissingFields)
		}
		_, changed, err := a.ApplyOrder(ctx, sc, ev.IntegrationID, ev.Platform, *ev.Order)
		return changed, err
	case domain.InboundTracking, domain.InboundNDR:
		return a.applyShipmentEvent(ctx, sc, ev)
	}
	return false, fmt.Errorf("unknown inbound event kind %q", ev.Kind)
}

func (a *Applier) applyShipmentEvent(ctx context.Context, sc *tenant.Scope, ev domain.InboundEvent) (bool, error) {
	awb := ev.AWB()
	if awb == "" {
		return false, fmt.Errorf("%w: awb", domain.ErrMissingFields)
	}
	sh, err := sc.Data.GetShipmentByAWB(ctx, awb)
	if errors.Is(err, domain.ErrNotFound) {
		// Unknown shipment: an NDR still becomes a case, tracking is dropped.
		if ev.NDR == nil {
			sc.Logger.Info("tracking for unknown shipment dropped", "awb", awb, "platform", ev.Platform)
			return false, nil
		}
		_, created, err := a.NDR.CreateFromSignal(ctx, sc, *ev.NDR)
		return created, err
	}
	if err != nil {
		return false, fmt.Errorf("load shipment %s: %w", awb, err)
	}

	var tr domain.TrackingEvent
	switch {
	case ev.Tracking != nil:
		tr = *ev.Tracking
	default:
		tr = domain.TrackingEvent{AWB: awb, Status: domain.ShipmentNDR, RawStatus: "NDR", OccurredAt: ev.NDR.OccurredAt}
	}
	if tr.NDR == nil && ev.NDR != nil {
		tr.NDR = ev.NDR
	}
	if tr.OccurredAt.IsZero() {
		tr.OccurredAt = ev.ReceivedAt
	}
	return a.ApplyTracking(ctx, sc, sh, []domain.TrackingEvent{tr})
}

// ApplyOrder upserts a channel order and emits order.created or order.updated.
func (a *Applier) ApplyOrder(ctx context.Context, sc *tenant.Scope, integrationID, channel string, o domain.Order) (created, changed bool, err error) {
	if o.ExternalID == "" {
		return false, false, fmt.Errorf("%w: order external id", domain.ErrMissingFields)
	}
	if o.ID == "" {
		o.ID = util.NewID("ord")
	}
	if o.IntegrationID == "" {
		o.IntegrationID = integrationID
	}
	if o.Channel == "" {
		o.Channel = channel
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = a.now()
	}
	if p, perr := util.NormalizePhone(o.Customer.Phone); perr == nil {
		o.Customer.Phone = p
	}

	created, changed, err = sc.Data.UpsertOrder(ctx, o)
	if err != nil {
		return false, false, fmt.Errorf("upsert order %s: %w", o.ExternalID, err)
	}
	if !changed {
		return created, false, nil
	}
	stored, err := sc.Data.GetOrderByExternalID(ctx, o.IntegrationID, o.ExternalID)
	if err != nil {
		stored = o
	}
	key := o.IntegrationID + ":" + o.ExternalID
	event := domain.EventOrderCreated
	if !created {
		event = domain.EventOrderUpdated
		key += ":" + strconv.FormatInt(stored.UpdatedAt.UnixNano(), 10)
	}
	if err := sc.Events.Emit(ctx, event, key, stored); err != nil {
		sc.Logger.Error("emit event", "event_type", event, "order_id", stored.ID, "err", err)
	}
	return created, true, nil
}

// ApplyTracking stores new tracking events of sh, moves its status to the
// latest event's, creates NDR cases for NDR events and lets a final shipment
// status settle the active NDR. The shipment is marked tracked either way.
func (a *Applier) ApplyTracking(ctx context.Context, sc *tenant.Scope, sh domain.Shipment, events []domain.TrackingEvent) (bool, error) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })
	for i := range events {
		if events[i].AWB == "" {
			events[i].AWB = sh.AWB
		}
	}

	inserted, err := sc.Data.InsertTrackingEvents(ctx, sh.ID, events)
	if err != nil {
		return false, fmt.Errorf("insert tracking events: %w", err)
	}
	changed := inserted > 0

	var ndrErr error
	for _, ev := range events {
		if ev.NDR == nil {
			continue
		}
		sig := *ev.NDR
		if sig.AWB == "" {
			sig.AWB = sh.AWB
		}
		if sig.Courier == "" {
			sig.Courier = sh.Courier
		}
		_, created, err := a.NDR.CreateFromSignal(ctx, sc, sig)
		if err != nil {
			ndrErr = errors.Join(ndrErr, err)
			continue
		}
		changed = changed || created
	}

	upd := store.TrackingUpdate{ShipmentID: sh.ID, TrackedAt: a.now()}
	if n := len(events); n > 0 && events[n-1].Status != "" && events[n-1].Status != sh.Status && !sh.Status.Terminal() {
		upd.Status = events[n-1].Status
	}
	if err := sc.Data.UpdateShipmentTracking(ctx, upd); err != nil {
		return changed, fmt.Errorf("update shipment %s: %w", sh.ID, err)
	}
	if upd.Status != "" {
		changed = true
		sc.Logger.Info("shipment status changed", "shipment_id", sh.ID, "awb", sh.AWB, "from", sh.Status, "to", upd.Status)
		payload := map[string]any{
			"shipmentId": sh.ID,
			"orderId":    sh.OrderID,
			"awb":        sh.AWB,
			"courier":    sh.Courier,
			"from":       sh.Status,
			"to":         upd.Status,
		}
		if err := sc.Events.Emit(ctx, domain.EventShipmentStatusChanged, sh.ID+":"+string(upd.Status), payload); err != nil {
			sc.Logger.Error("emit event", "event_type", domain.EventShipmentStatusChanged, "shipment_id", sh.ID, "err", err)
		}
		if _, err := a.NDR.ApplyShipmentStatus(ctx, sc, sh.AWB, upd.Status); err != nil {
			ndrErr = errors.Join(ndrErr, err)
		}
	}
	return changed, ndrErr
}
