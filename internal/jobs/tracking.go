package jobs

import (
	"context"
	"fmt"

	"opsync/internal/domain"
	"opsync/internal/inbound"
	"opsync/internal/platform"
	"opsync/internal/tenant"
)

// ShipmentTracking refreshes shipments not tracked within args.StaleAfter.
// A shipment whose courier call fails keeps its old tracked-at so the next
// tick picks it up again.
func ShipmentTracking(a *inbound.Applier) tenant.Unit {
	return func(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
		var counts domain.UnitCounts
		stale, err := sc.Data.ListStaleShipments(ctx, args.Now.Add(-args.StaleAfter), args.Limit(defaultTrackingBatch))
		if err != nil {
			return counts, fmt.Errorf("list stale shipments: %w", err)
		}

		couriers := map[string]platform.CourierAdapter{}
		for _, sh := range stale {
			if ctx.Err() != nil {
				return counts, ctx.Err()
			}
			counts.Processed++
			c, err := courierFor(ctx, sc, couriers, sh.Courier)
			if err != nil {
				counts.Errored++
				sc.Logger.Error("no courier adapter", "shipment_id", sh.ID, "courier", sh.Courier, "err", err)
				continue
			}
			events, err := c.FetchTracking(ctx, sh.AWB)
			if err != nil {
				counts.Errored++
				sc.Logger.Error("fetch tracking", "shipment_id", sh.ID, "awb", sh.AWB, "err", err)
				continue
			}
			changed, err := a.ApplyTracking(ctx, sc, sh, events)
			if err != nil {
				counts.Errored++
				sc.Logger.Error("apply tracking", "shipment_id", sh.ID, "awb", sh.AWB, "err", err)
				continue
			}
			if changed {
				counts.Updated++
			}
		}
		return counts, nil
	}
}

func courierFor(ctx context.Context, sc *tenant.Scope, cache map[string]platform.CourierAdapter, name string) (platform.CourierAdapter, error) {
	if c, ok := cache[name]; ok {
		return c, nil
	}
	in, err := sc.Data.FindIntegrationByPlatform(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := sc.Adapters.Courier(in)
	if err != nil {
		return nil, err
	}
	cache[name] = c
	return c, nil
}
