// Package tenanttest builds tenant scopes over in-memory partitions for tests.
package tenanttest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"opsync/internal/domain"
	"opsync/internal/platform"
	"opsync/internal/store"
	"opsync/internal/store/memstore"
	"opsync/internal/tenant"
)

type Event struct {
	Type string
	Key  string
	Data any
}

// Recorder is an Emitter that keeps every event, deduplicated by (type, key)
// like the real dispatcher.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, eventType, key string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType && e.Key == key {
			return nil
		}
	}
	r.events = append(r.events, Event{Type: eventType, Key: key, Data: data})
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Partitions serves tenant partitions from an in-memory directory.
func Partitions(dir *memstore.Directory) tenant.PartitionFunc {
	return func(_ context.Context, t domain.Tenant) (store.TenantData, error) {
		p, ok := dir.Partition(t.PartitionKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPartition, t.PartitionKey)
		}
		return p, nil
	}
}

func Logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// NewScope returns a scope for tenantID over data. reg may be nil.
func NewScope(tenantID string, data store.TenantData, reg *platform.Registry) (*tenant.Scope, *Recorder) {
	if reg == nil {
		reg = platform.NewRegistry()
	}
	rec := &Recorder{}
	sc := &tenant.Scope{
		Tenant: domain.Tenant{ID: tenantID, PartitionKey: "t_" + tenantID, Status: domain.TenantActive},
		Data:   data,
		Adapters: platform.NewTenantAdapters(tenantID, platform.TenantAdaptersOptions{
			Registry: reg,
			Policies: platform.NewPolicyRegistry(platform.DefaultPolicyConfig()),
		}),
		Events: rec,
		Logger: Logger(),
	}
	return sc, rec
}
