// Package tenant builds explicit per-tenant execution scopes and runs units of
// work across the active tenant set.
package tenant

import (
	"context"
	"fmt"
	"log/slog"

	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/platform"
	"opsync/internal/store"
)

// Scope is everything one unit of work may touch for one tenant. It is built
// fresh per unit, command or inbound event and never reused across tenants.
type Scope struct {
	Tenant   domain.Tenant
	Data     store.TenantData
	Adapters *platform.TenantAdapters
	Events   dispatch.Emitter
	Logger   *slog.Logger
}

func (s *Scope) TenantID() string { return s.Tenant.ID }

type ScopeBuilder interface {
	Build(ctx context.Context, t domain.Tenant) (*Scope, error)
}

// PartitionFunc opens the data partition named by the tenant's partition key.
type PartitionFunc func(ctx context.Context, t domain.Tenant) (store.TenantData, error)

type Builder struct {
	Partitions PartitionFunc
	Adapters   platform.TenantAdaptersOptions
	// Dispatcher is optional; without it events are dropped.
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

func (b *Builder) Build(ctx context.Context, t domain.Tenant) (*Scope, error) {
	if !t.Active() {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantSuspended, t.ID)
	}
	data, err := b.Partitions(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("open partition for tenant %s: %w", t.ID, err)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant_id", t.ID)

	opts := b.Adapters
	opts.Logger = logger
	sc := &Scope{
		Tenant:   t,
		Data:     data,
		Adapters: platform.NewTenantAdapters(t.ID, opts),
		Events:   dispatch.Discard{},
		Logger:   logger,
	}
	if b.Dispatcher != nil {
		sc.Events = b.Dispatcher.For(t.ID, data)
	}
	return sc, nil
}

// Open resolves tenantID through the directory and builds its scope. Commands
// and inbound events use it; suspended tenants are refused.
func Open(ctx context.Context, dir store.TenantDirectory, b ScopeBuilder, tenantID string) (*Scope, error) {
	t, err := dir.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, t)
}
