package memstore

import (
	"context"
	"sort"
	"sync"

	"opsync/internal/domain"
	"opsync/internal/store"
)

var _ store.TenantDirectory = (*Directory)(nil)

// Directory is the in-memory control plane. It also hands out the per-tenant
// partitions so callers can build scopes without a database.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant
	data    map[string]*Tenant
	routes  map[string]store.ChannelRoute
	awbs    map[string]string
}

func NewDirectory() *Directory {
	return &Directory{
		tenants: map[string]domain.Tenant{},
		data:    map[string]*Tenant{},
		routes:  map[string]store.ChannelRoute{},
		awbs:    map[string]string{},
	}
}

// AddTenant registers t and returns its partition, creating it on first use.
func (d *Directory) AddTenant(t domain.Tenant) *Tenant {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
	if p, ok := d.data[t.PartitionKey]; ok {
		return p
	}
	p := NewTenant()
	d.data[t.PartitionKey] = p
	return p
}

func (d *Directory) SetStatus(id string, st domain.TenantStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tenants[id]
	t.Status = st
	d.tenants[id] = t
}

// Partition returns the data for partitionKey.
func (d *Directory) Partition(partitionKey string) (*Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.data[partitionKey]
	return p, ok
}

func (d *Directory) AddChannelRoute(r store.ChannelRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[r.RouteID] = r
}

func (d *Directory) ListActiveTenants(_ context.Context) ([]domain.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		if t.Active() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, nil
}

func (d *Directory) ResolveChannelRoute(_ context.Context, routeID string) (store.ChannelRoute, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[routeID]
	if !ok {
		return store.ChannelRoute{}, domain.ErrNotFound
	}
	return r, nil
}

func (d *Directory) ResolveAWB(_ context.Context, courier, awb string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.awbs[courier+"/"+awb]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (d *Directory) RegisterAWB(_ context.Context, courier, awb, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.awbs[courier+"/"+awb] = tenantID
	return nil
}
