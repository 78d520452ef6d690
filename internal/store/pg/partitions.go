package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"opsync/internal/domain"
	"opsync/internal/store"
)

// Partitions opens tenant partitions on a shared pool. Each call returns a
// store bound to the tenant's schema only.
func Partitions(db *pgxpool.Pool, secrets SecretOpener) func(ctx context.Context, t domain.Tenant) (store.TenantData, error) {
	return func(_ context.Context, t domain.Tenant) (store.TenantData, error) {
		return NewTenantStore(db, t.PartitionKey, secrets)
	}
}
