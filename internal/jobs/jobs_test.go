package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/inbound"
	"opsync/internal/ndr"
	"opsync/internal/notify"
	"opsync/internal/platform"
	"opsync/internal/platform/platformtest"
	"opsync/internal/store/memstore"
	"opsync/internal/tenant"
	"opsync/internal/tenant/tenanttest"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	data    *memstore.Tenant
	sc      *tenant.Scope
	events  *tenanttest.Recorder
	applier *inbound.Applier
}

func newFixture(adapters ...platform.Adapter) *fixture {
	f := &fixture{data: memstore.NewTenant()}
	f.sc, f.events = tenanttest.NewScope("tenant_a", f.data, platformtest.Registry(adapters...))
	svc := ndr.NewService(ndr.DefaultPolicy(), []string{"agent_1"}, 10, nil)
	svc.Now = func() time.Time { return now }
	f.applier = &inbound.Applier{NDR: svc, Now: func() time.Time { return now }}
	return f
}

func (f *fixture) integration(id, platformName string, kind domain.IntegrationKind) {
	f.data.PutIntegration(domain.Integration{ID: id, Platform: platformName, Kind: kind, Enabled: true})
}

func args() domain.JobArgs {
	return domain.JobArgs{Now: now, Since: now.Add(-24 * time.Hour), StaleAfter: 2 * time.Hour, RetentionDays: 30}
}

func order(ext string) domain.Order {
	return domain.Order{ExternalID: ext, Status: "paid", Total: 100, UpdatedAt: now.Add(-time.Hour)}
}

func TestOrderSyncPagesAndIsIdempotent(t *testing.T) {
	shop := &platformtest.Channel{Name: "fakeshop"}
	shop.FetchOrdersFunc = func(_ context.Context, since time.Time, cursor string) (platform.OrderPage, error) {
		assert.Equal(t, now.Add(-24*time.Hour), since)
		if cursor == "" {
			return platform.OrderPage{Orders: []domain.Order{order("1"), order("2")}, NextCursor: "p2"}, nil
		}
		return platform.OrderPage{Orders: []domain.Order{order("3")}}, nil
	}
	f := newFixture(shop)
	f.integration("int_shop", "fakeshop", domain.KindChannel)
	unit := OrderSync(f.applier)
	ctx := context.Background()

	counts, err := unit(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, domain.UnitCounts{Processed: 3, Updated: 3}, counts)
	assert.Equal(t, []string{"fetch_orders:", "fetch_orders:p2"}, shop.Calls())
	assert.Equal(t, 3, f.events.Count(domain.EventOrderCreated))

	in, err := f.data.GetIntegration(ctx, "int_shop")
	require.NoError(t, err)
	assert.Empty(t, in.SyncCursor)
	require.NotNil(t, in.LastSyncedAt)
	assert.Equal(t, now, *in.LastSyncedAt)

	counts, err = unit(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, domain.UnitCounts{Processed: 3}, counts)
	assert.Equal(t, 3, f.events.Count(domain.EventOrderCreated))
	assert.Zero(t, f.events.Count(domain.EventOrderUpdated))
}

func TestOrderSyncIsolatesFailingIntegration(t *testing.T) {
	broken := &platformtest.Channel{Name: "brokenshop"}
	broken.FetchOrdersFunc = func(_ context.Context, _ time.Time, cursor string) (platform.OrderPage, error) {
		if cursor == "" {
			return platform.OrderPage{Orders: []domain.Order{order("9")}, NextCursor: "p2"}, nil
		}
		return platform.OrderPage{}, &platform.Failure{Kind: platform.FailTransient, Platform: "brokenshop", HTTPStatus: 503}
	}
	good := &platformtest.Channel{Name: "goodshop"}
	good.FetchOrdersFunc = func(context.Context, time.Time, string) (platform.OrderPage, error) {
		return platform.OrderPage{Orders: []domain.Order{order("1")}}, nil
	}
	f := newFixture(broken, good)
	f.integration("int_a", "brokenshop", domain.KindChannel)
	f.integration("int_b", "goodshop", domain.KindChannel)

	counts, err := OrderSync(f.applier)(context.Background(), f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Processed)
	assert.Equal(t, 2, counts.Updated)
	assert.Equal(t, 1, counts.Errored)

	in, err := f.data.GetIntegration(context.Background(), "int_a")
	require.NoError(t, err)
	assert.Equal(t, "p2", in.SyncCursor, "an interrupted run resumes from its last cursor")
}

func TestInventorySyncMarksOnlyAcceptedLevels(t *testing.T) {
	shop := &platformtest.Channel{Name: "fakeshop"}
	shop.PushInventoryFunc = func(_ context.Context, levels []domain.InventoryLevel) (platform.InventoryResult, error) {
		res := platform.InventoryResult{Failed: map[string]error{}}
		for _, l := range levels {
			if l.SKU == "BAD" {
				res.Failed[l.SKU] = errors.New("unknown sku")
				continue
			}
			res.Pushed = append(res.Pushed, l.SKU)
		}
		return res, nil
	}
	f := newFixture(shop)
	f.integration("int_shop", "fakeshop", domain.KindChannel)
	f.data.PutInventory(domain.InventoryLevel{SKU: "BAD", Quantity: 1, UpdatedAt: now.Add(-time.Hour)})
	f.data.PutInventory(domain.InventoryLevel{SKU: "OK", Quantity: 4, UpdatedAt: now.Add(-time.Hour)})
	ctx := context.Background()

	counts, err := InventorySync(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, domain.UnitCounts{Processed: 2, Updated: 1, Errored: 1}, counts)

	left, err := f.data.ListUnpushedInventory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "BAD", left[0].SKU)
}

func TestShipmentTrackingCreatesNdrAndSkipsFresh(t *testing.T) {
	fresh := now.Add(-time.Minute)
	courier := &platformtest.Courier{Name: "fakecourier"}
	courier.FetchTrackingFunc = func(_ context.Context, awb string) ([]domain.TrackingEvent, error) {
		if awb == "AWB-FAIL" {
			return nil, &platform.Failure{Kind: platform.FailTransient, Platform: "fakecourier", HTTPStatus: 502}
		}
		return []domain.TrackingEvent{
			{Status: domain.ShipmentInTransit, RawStatus: "In Transit", OccurredAt: now.Add(-5 * time.Hour)},
			{Status: domain.ShipmentNDR, RawStatus: "Undelivered", OccurredAt: now.Add(-time.Hour), NDR: &domain.NdrSignal{
				ReasonCode: domain.ReasonCashNotReady, AttemptCount: 1, OrderValue: 800, PaymentMethod: domain.PaymentCOD,
			}},
		}, nil
	}
	f := newFixture(courier)
	f.integration("int_c", "fakecourier", domain.KindCourier)
	f.data.PutShipment(domain.Shipment{ID: "shp_1", Courier: "fakecourier", AWB: "AWB1", Status: domain.ShipmentInTransit})
	f.data.PutShipment(domain.Shipment{ID: "shp_2", Courier: "fakecourier", AWB: "AWB2", Status: domain.ShipmentInTransit, LastTrackedAt: &fresh})
	f.data.PutShipment(domain.Shipment{ID: "shp_3", Courier: "fakecourier", AWB: "AWB-FAIL", Status: domain.ShipmentInTransit})
	f.data.PutShipment(domain.Shipment{ID: "shp_4", Courier: "fakecourier", AWB: "AWB4", Status: domain.ShipmentDelivered})
	ctx := context.Background()

	counts, err := ShipmentTracking(f.applier)(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, domain.UnitCounts{Processed: 2, Updated: 1, Errored: 1}, counts)
	assert.ElementsMatch(t, []string{"fetch_tracking:AWB1", "fetch_tracking:AWB-FAIL"}, courier.Calls())

	sh, err := f.data.GetShipmentByAWB(ctx, "AWB1")
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentNDR, sh.Status)
	require.NotNil(t, sh.LastTrackedAt)
	assert.Len(t, f.data.TrackingEvents("shp_1"), 2)

	failed, err := f.data.GetShipmentByAWB(ctx, "AWB-FAIL")
	require.NoError(t, err)
	assert.Nil(t, failed.LastTrackedAt)

	recs := f.data.Ndrs()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.PriorityHigh, recs[0].Priority)
	assert.Equal(t, now.Add(48*time.Hour), recs[0].DueAt)
	assert.Equal(t, "fakecourier", recs[0].Courier)
	assert.Equal(t, 1, f.events.Count(domain.EventShipmentStatusChanged))
	assert.Equal(t, 1, f.events.Count(domain.EventNdrCreated))

	// Replaying the same courier data changes nothing.
	sh, err = f.data.GetShipmentByAWB(ctx, "AWB1")
	require.NoError(t, err)
	events, err := courier.FetchTracking(ctx, "AWB1")
	require.NoError(t, err)
	changed, err := f.applier.ApplyTracking(ctx, f.sc, sh, events)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.data.Ndrs(), 1)
}

func TestDataCleanupKeepsExhausted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	old := now.Add(-40 * 24 * time.Hour)
	for i, st := range []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliveryExhausted, domain.DeliveryDelivered} {
		at := old
		if i == 2 {
			at = now.Add(-time.Hour)
		}
		_, _, err := f.data.CreateDelivery(ctx, domain.WebhookDelivery{ID: fmt.Sprintf("wd_%d", i), EventType: "x", IdempotencyKey: fmt.Sprint(i), Status: st, CreatedAt: at, UpdatedAt: at})
		require.NoError(t, err)
	}
	require.NoError(t, f.data.InsertJobRun(ctx, domain.JobRun{ID: "run_old", FinishedAt: old}))
	require.NoError(t, f.data.InsertJobRun(ctx, domain.JobRun{ID: "run_new", FinishedAt: now}))

	counts, err := DataCleanup(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Updated)

	var ids []string
	for _, d := range f.data.Deliveries() {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"wd_1", "wd_2"}, ids)
	require.Len(t, f.data.JobRuns(), 1)
	assert.Equal(t, "run_new", f.data.JobRuns()[0].ID)
}

func TestUnitsCoverEveryKind(t *testing.T) {
	units := Units(Deps{Dispatcher: dispatch.New(tenanttest.Logger()), NDR: ndr.NewService(ndr.DefaultPolicy(), nil, 0, nil), Applier: &inbound.Applier{}, Outbox: &notify.Outbox{}})
	for _, k := range domain.AllJobKinds {
		assert.NotNil(t, units[k], k)
	}

	noOutbox := Units(Deps{Dispatcher: dispatch.New(tenanttest.Logger()), Applier: &inbound.Applier{}})
	assert.NotContains(t, noOutbox, domain.JobNotificationSend)
	assert.Len(t, noOutbox, len(domain.AllJobKinds)-1)
}

func TestNotificationSendDrainsOutbox(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.data.EnqueueNotification(ctx, domain.Notification{
		ID: "ntf_1", Channel: domain.ChannelSMS, Recipient: "+919812345678", TemplateID: ndr.OutreachTemplate,
		Status: domain.NotificationPending, CreatedAt: now,
	}))
	sent := 0
	o := &notify.Outbox{
		Senders: map[domain.NotificationChannel]notify.Sender{
			domain.ChannelSMS: notify.SenderFunc(func(context.Context, notify.Message) (string, error) {
				sent++
				return "SM1", nil
			}),
		},
		Templates: notify.DefaultTemplates(),
	}
	counts, err := NotificationSend(o)(ctx, f.sc, args())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, sent)
}

func TestArgDefaults(t *testing.T) {
	d := ArgDefaults{OrderLookback: 24 * time.Hour, StaleAfter: 2 * time.Hour, RetentionDays: 30}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := d.Args(domain.JobOrderSync, now, domain.JobArgs{})
	require.NoError(t, a.Validate(domain.JobOrderSync))
	assert.Equal(t, now.Add(-24*time.Hour), a.Since)

	since := now.Add(-time.Hour)
	a = d.Args(domain.JobOrderSync, now, domain.JobArgs{Since: since, BatchSize: 10})
	assert.Equal(t, since, a.Since)
	assert.Equal(t, 10, a.BatchSize)

	assert.Equal(t, 2*time.Hour, d.Args(domain.JobShipmentTracking, now, domain.JobArgs{}).StaleAfter)
	assert.Equal(t, 30, d.Args(domain.JobDataCleanup, now, domain.JobArgs{}).RetentionDays)
}
