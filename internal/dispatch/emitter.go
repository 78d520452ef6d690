package dispatch

import (
	"context"
	"errors"

	"opsync/internal/store"
)

// Emitter publishes a tenant event. Implementations must be safe to call
// repeatedly with the same key.
type Emitter interface {
	Emit(ctx context.Context, eventType, key string, data any) error
}

// TenantEmitter binds a Dispatcher to one tenant partition.
type TenantEmitter struct {
	D        *Dispatcher
	TenantID string
	Data     store.DeliveryStore
}

func (d *Dispatcher) For(tenantID string, data store.DeliveryStore) *TenantEmitter {
	return &TenantEmitter{D: d, TenantID: tenantID, Data: data}
}

// Emit queues the event. A missing endpoint is not an error, and a failed
// first attempt is left to the retry sweep.
func (e *TenantEmitter) Emit(ctx context.Context, eventType, key string, data any) error {
	_, err := e.D.Dispatch(ctx, e.Data, e.TenantID, eventType, key, data)
	if errors.Is(err, ErrNoEndpoint) {
		return nil
	}
	return err
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, string, string, any) error { return nil }
