// Package app assembles the runtime pieces shared by the binaries: the
// database pool, the platform registry, tenant scopes and the optional Redis
// coordination layer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"opsync/internal/config"
	"opsync/internal/credentials"
	"opsync/internal/dispatch"
	"opsync/internal/idempotency"
	"opsync/internal/lock"
	"opsync/internal/ndr"
	"opsync/internal/platform"
	"opsync/internal/platform/delhivery"
	"opsync/internal/platform/shiprocket"
	"opsync/internal/platform/shopify"
	"opsync/internal/platform/woocommerce"
	"opsync/internal/store/pg"
	"opsync/internal/tenant"
)

func OpenPool(ctx context.Context, c config.Common) (*pgxpool.Pool, error) {
	return pg.NewPool(ctx, c.DBDSN, pg.PoolOptions{
		MaxConns:          c.DBPoolMaxConns,
		MinConns:          c.DBPoolMinConns,
		MaxConnLifetime:   c.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
	})
}

// NewRegistry registers every supported platform adapter.
func NewRegistry() *platform.Registry {
	reg := platform.NewRegistry()
	shopify.Register(reg)
	woocommerce.Register(reg)
	delhivery.Register(reg)
	shiprocket.Register(reg)
	return reg
}

// Coordination holds the cross-replica locks and replay guard. Without Redis
// both are process local, which is only correct for a single replica.
type Coordination struct {
	Redis *redis.Client
	Locks lock.Locker
}

func NewCoordination(ctx context.Context, addr string, logger *slog.Logger) (*Coordination, error) {
	if addr == "" {
		logger.Warn("REDIS_ADDR not set, using in-process locks and replay guards")
		return &Coordination{Locks: lock.NewLocal()}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Coordination{Redis: client, Locks: lock.NewRedis(client)}, nil
}

func (c *Coordination) Guard(ttl time.Duration) idempotency.Guard {
	if c.Redis == nil {
		return idempotency.NewMemory(ttl)
	}
	return idempotency.NewRedis(c.Redis, ttl)
}

// Check is a readiness check; it passes when Redis is not configured.
func (c *Coordination) Check(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Ping(ctx).Err()
}

func (c *Coordination) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}

// NewScopes builds the tenant scope builder over the pg partitions. disp may
// be nil for binaries that never emit outbound events.
func NewScopes(db *pgxpool.Pool, c config.Common, reg *platform.Registry, disp *dispatch.Dispatcher, logger *slog.Logger) (*tenant.Builder, error) {
	if c.SecretsKey == "" {
		return nil, errors.New("SECRETS_ENCRYPTION_KEY is required")
	}
	vault, err := credentials.NewVaultFromHex(c.SecretsKey)
	if err != nil {
		return nil, err
	}
	endpoints, err := c.Endpoints()
	if err != nil {
		return nil, err
	}
	return &tenant.Builder{
		Partitions: pg.Partitions(db, vault),
		Adapters: platform.TenantAdaptersOptions{
			Registry:  reg,
			Policies:  platform.NewPolicyRegistry(platform.DefaultPolicyConfig()),
			Secrets:   vault,
			Endpoints: platform.Endpoints(endpoints),
			HTTP:      &http.Client{Timeout: 30 * time.Second},
		},
		Dispatcher: disp,
		Logger:     logger,
	}, nil
}

func NewNDR(c config.NDR, locks lock.Locker) *ndr.Service {
	policy := ndr.DefaultPolicy()
	if c.HighValueThreshold > 0 {
		policy.HighValueThreshold = c.HighValueThreshold
	}
	return ndr.NewService(policy, c.Agents(), c.AgentCapacity, locks)
}
