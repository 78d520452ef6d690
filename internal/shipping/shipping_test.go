package shipping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/platform"
	"opsync/internal/platform/platformtest"
	"opsync/internal/store/memstore"
	"opsync/internal/tenant"
	"opsync/internal/tenant/tenanttest"
)

var now = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	dir     *memstore.Directory
	data    *memstore.Tenant
	courier *platformtest.Courier
	sc      *tenant.Scope
	events  *tenanttest.Recorder
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: memstore.NewDirectory(), courier: &platformtest.Courier{Name: "fakecourier"}}
	f.data = f.dir.AddTenant(domain.Tenant{ID: "tenant_a", PartitionKey: "t_tenant_a", Status: domain.TenantActive})
	f.data.PutIntegration(domain.Integration{ID: "int_fc", Platform: "fakecourier", Kind: domain.KindCourier, Enabled: true})
	_, _, err := f.data.UpsertOrder(context.Background(), domain.Order{ID: "ord_1", IntegrationID: "int_shop", ExternalID: "1001", Number: "#1001"})
	require.NoError(t, err)
	f.sc, f.events = tenanttest.NewScope("tenant_a", f.data, platformtest.Registry(f.courier))
	f.svc = NewService(f.dir, nil)
	f.svc.Now = func() time.Time { return now }
	return f
}

func TestCreateStoresShipmentAndRoutesAWB(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sh, created, err := f.svc.Create(ctx, f.sc, "ord_1", CreateRequest{Courier: "fakecourier"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "AWB-1001", sh.AWB)
	assert.Equal(t, "int_fc", sh.IntegrationID)
	assert.Equal(t, domain.ShipmentCreated, sh.Status)
	assert.Equal(t, now, sh.CreatedAt)

	stored, err := f.data.GetShipmentByAWB(ctx, "AWB-1001")
	require.NoError(t, err)
	assert.Equal(t, sh.ID, stored.ID)

	tenantID, err := f.dir.ResolveAWB(ctx, "fakecourier", "AWB-1001")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", tenantID)
	assert.Equal(t, 1, f.events.Count(domain.EventShipmentCreated))

	again, created, err := f.svc.Create(ctx, f.sc, "ord_1", CreateRequest{Courier: "fakecourier"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sh.ID, again.ID)
	assert.Equal(t, []string{"create_shipment"}, f.courier.Calls())
}

func TestCreateCourierFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.courier.CreateShipmentFunc = func(context.Context, domain.Order) (platform.ShipmentRef, error) {
		return platform.ShipmentRef{}, platform.Permanent("fakecourier", "manifest_rejected", "pincode not serviceable")
	}

	_, _, err := f.svc.Create(ctx, f.sc, "ord_1", CreateRequest{Courier: "fakecourier"})
	require.Error(t, err)
	_, err = f.data.FindShipmentByOrder(ctx, "ord_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.events.Count(domain.EventShipmentCreated))
}

func TestCreateRejectsUnknownInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, f.sc, "ord_1", CreateRequest{})
	assert.ErrorIs(t, err, domain.ErrMissingFields)

	_, _, err = f.svc.Create(ctx, f.sc, "ord_404", CreateRequest{Courier: "fakecourier"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = f.svc.Create(ctx, f.sc, "ord_1", CreateRequest{Courier: "bluedart"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.courier.Calls())
}
