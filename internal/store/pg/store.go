package pg

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsync/internal/domain"
	"opsync/internal/store"
)

var partitionKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidatePartitionKey rejects keys that cannot name a schema.
func ValidatePartitionKey(key string) error {
	if !partitionKeyRe.MatchString(key) || key == "public" {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPartition, key)
	}
	return nil
}

// Directory reads the control-plane tables in the public schema.
type Directory struct {
	DB *pgxpool.Pool
}

var _ store.TenantDirectory = (*Directory)(nil)

func NewDirectory(db *pgxpool.Pool) *Directory { return &Directory{DB: db} }

func (d *Directory) ListActiveTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := d.DB.Query(ctx, `
		SELECT id, name, partition_key, status FROM public.tenants WHERE status='active' ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.PartitionKey, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *Directory) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := d.DB.QueryRow(ctx, `
		SELECT id, name, partition_key, status FROM public.tenants WHERE id=$1
	`, id).Scan(&t.ID, &t.Name, &t.PartitionKey, &t.Status)
	if err != nil {
		return domain.Tenant{}, notFound(err)
	}
	return t, nil
}

// CreateTenant inserts the tenant row and provisions its partition.
func (d *Directory) CreateTenant(ctx context.Context, t domain.Tenant) error {
	if err := ValidatePartitionKey(t.PartitionKey); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = domain.TenantActive
	}
	_, err := d.DB.Exec(ctx, `
		INSERT INTO public.tenants (id, name, partition_key, status) VALUES ($1,$2,$3,$4)
	`, t.ID, t.Name, t.PartitionKey, t.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return err
	}
	return ProvisionTenant(ctx, d.DB, t.PartitionKey)
}

func (d *Directory) ResolveChannelRoute(ctx context.Context, routeID string) (store.ChannelRoute, error) {
	var r store.ChannelRoute
	err := d.DB.QueryRow(ctx, `
		SELECT route_id, tenant_id, integration_id, platform FROM public.webhook_routes WHERE route_id=$1
	`, routeID).Scan(&r.RouteID, &r.TenantID, &r.IntegrationID, &r.Platform)
	if err != nil {
		return store.ChannelRoute{}, notFound(err)
	}
	return r, nil
}

func (d *Directory) ResolveAWB(ctx context.Context, courier, awb string) (string, error) {
	var tenantID string
	err := d.DB.QueryRow(ctx, `
		SELECT tenant_id FROM public.awb_routes WHERE courier=$1 AND awb=$2
	`, courier, awb).Scan(&tenantID)
	if err != nil {
		return "", notFound(err)
	}
	return tenantID, nil
}

func (d *Directory) RegisterAWB(ctx context.Context, courier, awb, tenantID string) error {
	_, err := d.DB.Exec(ctx, `
		INSERT INTO public.awb_routes (courier, awb, tenant_id) VALUES ($1,$2,$3)
		ON CONFLICT (courier, awb) DO UPDATE SET tenant_id=EXCLUDED.tenant_id
	`, courier, awb, tenantID)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
