// Package shipping books courier shipments for orders and makes their AWBs
// routable for courier webhooks.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsync/internal/domain"
	"opsync/internal/lock"
	"opsync/internal/observability"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

type CreateRequest struct {
	Courier string `json:"courier"`
}

func (r CreateRequest) Validate() error {
	if r.Courier == "" {
		return fmt.Errorf("%w: courier", domain.ErrMissingFields)
	}
	return nil
}

type Service struct {
	Directory store.TenantDirectory
	Locks     lock.Locker
	Now       func() time.Time
}

func NewService(dir store.TenantDirectory, locks lock.Locker) *Service {
	if locks == nil {
		locks = lock.NewLocal()
	}
	return &Service{Directory: dir, Locks: locks, Now: util.NowUTC}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Create books a shipment for orderID with the tenant's courier integration,
// stores it and registers the AWB route. An order that already has a live
// shipment gets it back with created=false and its route registered again.
func (s *Service) Create(ctx context.Context, sc *tenant.Scope, orderID string, req CreateRequest) (domain.Shipment, bool, error) {
	if err := req.Validate(); err != nil {
		return domain.Shipment{}, false, err
	}
	ctx, span := observability.Tracer().Start(ctx, "shipping.create")
	defer span.End()

	release, err := s.Locks.Acquire(ctx, sc.TenantID()+":shipment:"+orderID)
	if err != nil {
		return domain.Shipment{}, false, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			sc.Logger.Warn("release shipment lock", "order_id", orderID, "err", err)
		}
	}()

	order, err := sc.Data.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Shipment{}, false, err
	}
	existing, err := sc.Data.FindShipmentByOrder(ctx, orderID)
	switch {
	case err == nil:
		return existing, false, s.route(ctx, sc, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Shipment{}, false, err
	}

	in, err := sc.Data.FindIntegrationByPlatform(ctx, req.Courier)
	if err != nil {
		return domain.Shipment{}, false, fmt.Errorf("courier %s: %w", req.Courier, err)
	}
	courier, err := sc.Adapters.Courier(in)
	if err != nil {
		return domain.Shipment{}, false, err
	}
	ref, err := courier.CreateShipment(ctx, order)
	if err != nil {
		span.RecordError(err)
		return domain.Shipment{}, false, err
	}
	if ref.AWB == "" {
		return domain.Shipment{}, false, fmt.Errorf("courier %s returned no awb for order %s", in.Platform, orderID)
	}

	now := s.now()
	sh := domain.Shipment{
		ID:            util.NewID("shp"),
		OrderID:       order.ID,
		IntegrationID: in.ID,
		Courier:       in.Platform,
		AWB:           ref.AWB,
		Status:        domain.ShipmentCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := sc.Data.InsertShipment(ctx, sh); err != nil {
		return domain.Shipment{}, false, fmt.Errorf("store shipment %s: %w", sh.AWB, err)
	}
	sc.Logger.Info("shipment created", "shipment_id", sh.ID, "order_id", order.ID, "courier", sh.Courier, "awb", sh.AWB)
	if err := s.route(ctx, sc, sh); err != nil {
		return sh, true, err
	}
	if err := sc.Events.Emit(ctx, domain.EventShipmentCreated, sh.ID, sh); err != nil {
		sc.Logger.Error("emit event", "event_type", domain.EventShipmentCreated, "shipment_id", sh.ID, "err", err)
	}
	return sh, true, nil
}

func (s *Service) route(ctx context.Context, sc *tenant.Scope, sh domain.Shipment) error {
	if err := s.Directory.RegisterAWB(ctx, sh.Courier, sh.AWB, sc.TenantID()); err != nil {
		return fmt.Errorf("register awb %s: %w", sh.AWB, err)
	}
	return nil
}
