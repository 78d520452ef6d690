//go:build integration

package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/store"
)

type plainSecrets struct{}

func (plainSecrets) Open(c string) (string, error) { return c, nil }

// setupTenant connects to TEST_DB_DSN, applies the control migrations and
// provisions a fresh tenant partition that is dropped on cleanup.
func setupTenant(t *testing.T) (*pgxpool.Pool, *Directory, *TenantStore, domain.Tenant) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}
	ctx := context.Background()

	db, err := NewPool(ctx, dsn, PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, MigrateControl(ctx, db))

	suffix := time.Now().UnixNano()
	tn := domain.Tenant{
		ID:           fmt.Sprintf("tenant_%d", suffix),
		Name:         "Test Store",
		PartitionKey: fmt.Sprintf("t_%d", suffix),
	}
	dir := NewDirectory(db)
	require.NoError(t, dir.CreateTenant(ctx, tn))
	t.Cleanup(func() {
		_, _ = db.Exec(ctx, "DROP SCHEMA "+pgx.Identifier{tn.PartitionKey}.Sanitize()+" CASCADE")
		_, _ = db.Exec(ctx, "DELETE FROM public.awb_routes WHERE tenant_id=$1", tn.ID)
		_, _ = db.Exec(ctx, "DELETE FROM public.tenants WHERE id=$1", tn.ID)
		db.Close()
	})

	ts, err := NewTenantStore(db, tn.PartitionKey, plainSecrets{})
	require.NoError(t, err)
	return db, dir, ts, tn
}

func TestCreateTenantProvisionsPartition(t *testing.T) {
	ctx := context.Background()
	db, dir, _, tn := setupTenant(t)

	got, err := dir.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantActive, got.Status)
	assert.ErrorIs(t, dir.CreateTenant(ctx, tn), domain.ErrDuplicate)

	var n int
	require.NoError(t, db.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables WHERE table_schema=$1 AND table_name='ndr_records'
	`, tn.PartitionKey).Scan(&n))
	assert.Equal(t, 1, n)

	// Re-provisioning is a no-op.
	require.NoError(t, ProvisionTenant(ctx, db, tn.PartitionKey))
}

func TestAWBRoutesResolveToTenant(t *testing.T) {
	ctx := context.Background()
	_, dir, _, tn := setupTenant(t)
	awb := fmt.Sprintf("149%d", time.Now().UnixNano()%1e10)

	_, err := dir.ResolveAWB(ctx, "delhivery", awb)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, dir.RegisterAWB(ctx, "delhivery", awb, tn.ID))
	got, err := dir.ResolveAWB(ctx, "delhivery", awb)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got)
}

func TestUpsertOrderReportsInsertAndChange(t *testing.T) {
	ctx := context.Background()
	_, _, ts, _ := setupTenant(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := domain.Order{
		ID: "ord_1", IntegrationID: "int_shop", Channel: "shopify", ExternalID: "5001", Number: "#1001",
		Status: "paid", Total: 998, Currency: "INR", PaymentMethod: domain.PaymentCOD,
		Lines:    []domain.OrderLine{{SKU: "TSHIRT-BLK-M", Quantity: 2, Price: 499}},
		PlacedAt: at, UpdatedAt: at,
	}

	inserted, changed, err := ts.UpsertOrder(ctx, o)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, changed)

	inserted, changed, err = ts.UpsertOrder(ctx, o)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.False(t, changed)

	o.Status, o.UpdatedAt = "refunded", at.Add(time.Hour)
	inserted, changed, err = ts.UpsertOrder(ctx, o)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, changed)

	got, err := ts.GetOrderByExternalID(ctx, "int_shop", "5001")
	require.NoError(t, err)
	assert.Equal(t, "refunded", got.Status)
	require.Len(t, got.Lines, 1)
}

func TestNdrInsertDedupesAndSaveChecksVersion(t *testing.T) {
	ctx := context.Background()
	_, _, ts, tn := setupTenant(t)
	now := time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)
	rec := domain.NdrRecord{
		ID: "ndr_1", TenantID: tn.ID, OrderRef: "#1001", AWB: "1490000000007", Courier: "delhivery",
		ReasonCode: domain.ReasonRefused, AttemptCount: 1, OrderValue: 1499, PaymentMethod: domain.PaymentCOD,
		Status: domain.NdrOpen, Priority: domain.PriorityHigh, DueAt: now.Add(4 * time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}

	saved, created, err := ts.InsertNdr(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, saved.Version)

	dup := rec
	dup.ID = "ndr_2"
	existing, created, err := ts.InsertNdr(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ndr_1", existing.ID)

	saved.Status, saved.UpdatedAt = domain.NdrInProgress, now.Add(time.Minute)
	action := &domain.NdrAction{ID: "act_1", NdrID: "ndr_1", Type: domain.ActionCall, PerformedBy: "agent_1", PerformedAt: now}
	updated, err := ts.SaveNdr(ctx, saved, 1, action)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	_, err = ts.SaveNdr(ctx, saved, 1, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	actions, err := ts.ListActions(ctx, "ndr_1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestDeliveryClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, _, ts, tn := setupTenant(t)
	now := time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)
	d := domain.WebhookDelivery{
		ID: "dlv_1", TenantID: tn.ID, EventType: domain.EventOrderCreated, IdempotencyKey: "ord_1",
		Payload: json.RawMessage(`{"id":"ord_1"}`), TargetURL: "https://example.com/hook",
		Status: domain.DeliveryPending, MaxAttempts: 10, NextAttemptAt: now, CreatedAt: now,
	}

	_, created, err := ts.CreateDelivery(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	again := d
	again.ID = "dlv_2"
	existing, created, err := ts.CreateDelivery(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "dlv_1", existing.ID)

	due, err := ts.ListDueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	claim := store.DeliveryClaim{ID: "dlv_1", AttemptCount: 0, Now: now, LeaseUntil: now.Add(time.Minute)}
	ok, err := ts.ClaimDelivery(ctx, claim)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ts.ClaimDelivery(ctx, claim)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ts.RecordAttempt(ctx, store.DeliveryAttempt{
		ID: "dlv_1", PrevAttemptCount: 0, AttemptCount: 1, Status: domain.DeliveryDelivered,
		NextAttemptAt: now, LastHTTPStatus: 200, MaxAttempts: 10, Now: now,
	}))
	got, err := ts.GetDelivery(ctx, "dlv_1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestInsertShipmentAndFindByOrder(t *testing.T) {
	ctx := context.Background()
	_, _, ts, _ := setupTenant(t)
	at := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	sh := domain.Shipment{
		ID: "shp_1", OrderID: "ord_1", IntegrationID: "int_dl", Courier: "delhivery", AWB: "1490822000017",
		Status: domain.ShipmentCreated, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, ts.InsertShipment(ctx, sh))

	dup := sh
	dup.ID = "shp_2"
	assert.ErrorIs(t, ts.InsertShipment(ctx, dup), domain.ErrDuplicate)

	got, err := ts.FindShipmentByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "shp_1", got.ID)

	_, err = ts.FindShipmentByOrder(ctx, "ord_2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
