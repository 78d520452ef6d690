package jobs

import (
	"context"
	"fmt"

	"opsync/internal/domain"
	"opsync/internal/inbound"
	"opsync/internal/platform"
	"opsync/internal/store"
	"opsync/internal/tenant"
)

// OrderSync pages every enabled channel's orders since args.Since and upserts
// them. A failing integration is counted and the next one continues.
func OrderSync(a *inbound.Applier) tenant.Unit {
	return func(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
		var counts domain.UnitCounts
		ins, err := sc.Data.ListIntegrations(ctx, domain.KindChannel)
		if err != nil {
			return counts, fmt.Errorf("list channel integrations: %w", err)
		}
		for _, in := range ins {
			if ctx.Err() != nil {
				return counts, ctx.Err()
			}
			c, err := syncChannel(ctx, sc, a, in, args)
			counts.Add(c)
			if err != nil {
				counts.Errored++
				sc.Logger.Error("order sync failed", "integration_id", in.ID, "platform", in.Platform, "err", err)
			}
		}
		return counts, nil
	}
}

func syncChannel(ctx context.Context, sc *tenant.Scope, a *inbound.Applier, in domain.Integration, args domain.JobArgs) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	ch, err := sc.Adapters.Channel(in)
	if err != nil {
		return counts, err
	}

	// A cursor left behind by an interrupted run is resumed.
	cursor := in.SyncCursor
	for page := 0; page < maxOrderPages; page++ {
		res, err := ch.FetchOrders(ctx, args.Since, cursor)
		if err != nil {
			saveCursor(ctx, sc, in.ID, cursor, args)
			return counts, err
		}
		for _, o := range res.Orders {
			counts.Processed++
			_, changed, err := a.ApplyOrder(ctx, sc, in.ID, in.Platform, o)
			switch {
			case err != nil:
				counts.Errored++
				sc.Logger.Error("apply order", "integration_id", in.ID, "external_id", o.ExternalID, "err", err)
			case changed:
				counts.Updated++
			}
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			saveCursor(ctx, sc, in.ID, "", args)
			return counts, nil
		}
		cursor = res.NextCursor
	}
	sc.Logger.Warn("order sync page limit reached", "integration_id", in.ID, "pages", maxOrderPages)
	saveCursor(ctx, sc, in.ID, cursor, args)
	return counts, nil
}

func saveCursor(ctx context.Context, sc *tenant.Scope, integrationID, cursor string, args domain.JobArgs) {
	err := sc.Data.SaveSyncCursor(ctx, store.SyncCursorUpdate{IntegrationID: integrationID, Cursor: cursor, SyncedAt: args.Now})
	if err != nil {
		sc.Logger.Error("save sync cursor", "integration_id", integrationID, "err", err)
	}
}

// InventorySync pushes changed inventory levels to every enabled channel. A
// level is marked pushed only when no channel rejected it.
func InventorySync(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	levels, err := sc.Data.ListUnpushedInventory(ctx, args.Limit(defaultInventoryBatch))
	if err != nil {
		return counts, fmt.Errorf("list unpushed inventory: %w", err)
	}
	if len(levels) == 0 {
		return counts, nil
	}
	ins, err := sc.Data.ListIntegrations(ctx, domain.KindChannel)
	if err != nil {
		return counts, fmt.Errorf("list channel integrations: %w", err)
	}
	if len(ins) == 0 {
		return counts, nil
	}

	failed := map[string]bool{}
	for _, in := range ins {
		res, err := pushTo(ctx, sc, in, levels)
		if err != nil {
			sc.Logger.Error("inventory push failed", "integration_id", in.ID, "platform", in.Platform, "err", err)
			if ctx.Err() != nil {
				return counts, ctx.Err()
			}
			for _, l := range levels {
				failed[l.SKU] = true
			}
			continue
		}
		for sku, ferr := range res.Failed {
			failed[sku] = true
			sc.Logger.Warn("inventory sku rejected", "integration_id", in.ID, "sku", sku, "err", ferr)
		}
	}

	for _, l := range levels {
		counts.Processed++
		if failed[l.SKU] {
			counts.Errored++
			continue
		}
		if err := sc.Data.MarkInventoryPushed(ctx, l.SKU, args.Now); err != nil {
			counts.Errored++
			sc.Logger.Error("mark inventory pushed", "sku", l.SKU, "err", err)
			continue
		}
		counts.Updated++
	}
	return counts, nil
}

func pushTo(ctx context.Context, sc *tenant.Scope, in domain.Integration, levels []domain.InventoryLevel) (platform.InventoryResult, error) {
	ch, err := sc.Adapters.Channel(in)
	if err != nil {
		return platform.InventoryResult{}, err
	}
	return ch.PushInventory(ctx, levels)
}
