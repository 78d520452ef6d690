package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"opsync/internal/domain"
	"opsync/internal/idempotency"
	"opsync/internal/observability"
	"opsync/internal/store"
	"opsync/internal/tenant"
)

// Sink takes verified, normalized events off the webhook path.
type Sink interface {
	Submit(ctx context.Context, ev domain.InboundEvent) error
}

// ErrUnroutable means no tenant could be resolved for the event. Retrying
// will not help.
var ErrUnroutable = errors.New("inbound event has no tenant")

// Processor routes an event to its tenant and applies it once.
type Processor struct {
	Directory store.TenantDirectory
	Scopes    tenant.ScopeBuilder
	Applier   *Applier
	Guard     idempotency.Guard
	Logger    *slog.Logger
}

// Submit makes Processor usable as an inline Sink.
func (p *Processor) Submit(ctx context.Context, ev domain.InboundEvent) error {
	err := p.Process(ctx, ev)
	if errors.Is(err, ErrUnroutable) {
		return nil
	}
	return err
}

// Process applies ev. An event id already seen for the tenant is skipped;
// a failed apply releases the id so a redelivery can try again.
func (p *Processor) Process(ctx context.Context, ev domain.InboundEvent) error {
	ctx, span := observability.Tracer().Start(ctx, "inbound.process")
	span.SetAttributes(
		attribute.String("platform", ev.Platform),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("event_id", ev.ID),
	)
	defer span.End()

	if ev.Kind == domain.InboundIgnored {
		observability.InboundWebhooks.WithLabelValues(ev.Platform, "ignored").Inc()
		return nil
	}
	tenantID, err := p.route(ctx, ev)
	if err != nil {
		observability.InboundWebhooks.WithLabelValues(ev.Platform, "unroutable").Inc()
		p.Logger.Warn("inbound event unroutable", "platform", ev.Platform, "event_id", ev.ID, "awb", ev.AWB(), "err", err)
		return err
	}
	ev.TenantID = tenantID
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	scope := tenantID + ":" + ev.Platform
	if p.Guard != nil && ev.ID != "" {
		first, err := p.Guard.First(ctx, scope, ev.ID)
		if err != nil {
			return fmt.Errorf("replay guard: %w", err)
		}
		if !first {
			observability.InboundWebhooks.WithLabelValues(ev.Platform, "duplicate").Inc()
			return nil
		}
	}

	changed, err := p.apply(ctx, ev)
	if err != nil {
		if p.Guard != nil && ev.ID != "" {
			if ferr := p.Guard.Forget(context.WithoutCancel(ctx), scope, ev.ID); ferr != nil {
				p.Logger.Error("release replay guard", "event_id", ev.ID, "err", ferr)
			}
		}
		span.RecordError(err)
		observability.InboundWebhooks.WithLabelValues(ev.Platform, "error").Inc()
		return err
	}
	result := "noop"
	if changed {
		result = "applied"
	}
	observability.InboundWebhooks.WithLabelValues(ev.Platform, result).Inc()
	return nil
}

func (p *Processor) apply(ctx context.Context, ev domain.InboundEvent) (bool, error) {
	sc, err := tenant.Open(ctx, p.Directory, p.Scopes, ev.TenantID)
	if err != nil {
		return false, err
	}
	sc.Logger = sc.Logger.With("platform", ev.Platform, "event_id", ev.ID)
	return p.Applier.Apply(ctx, sc, ev)
}

func (p *Processor) route(ctx context.Context, ev domain.InboundEvent) (string, error) {
	if ev.TenantID != "" {
		return ev.TenantID, nil
	}
	awb := ev.AWB()
	if awb == "" {
		return "", ErrUnroutable
	}
	id, err := p.Directory.ResolveAWB(ctx, ev.Platform, awb)
	if errors.Is(err, domain.ErrNotFound) {
		return p.locate(ctx, ev.Platform, awb)
	}
	return id, err
}

// locate searches the active tenants' shipments for an AWB that has no route
// yet and records the route on a hit.
func (p *Processor) locate(ctx context.Context, courier, awb string) (string, error) {
	tenants, err := p.Directory.ListActiveTenants(ctx)
	if err != nil {
		return "", fmt.Errorf("list tenants: %w", err)
	}
	for _, t := range tenants {
		sc, err := p.Scopes.Build(ctx, t)
		if err != nil {
			p.Logger.Warn("skip tenant during awb lookup", "tenant_id", t.ID, "err", err)
			continue
		}
		sh, err := sc.Data.GetShipmentByAWB(ctx, awb)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("lookup awb %s in tenant %s: %w", awb, t.ID, err)
		}
		if sh.Courier != "" && sh.Courier != courier {
			continue
		}
		if err := p.Directory.RegisterAWB(ctx, courier, awb, t.ID); err != nil {
			return "", fmt.Errorf("register awb %s: %w", awb, err)
		}
		p.Logger.Info("awb route recovered", "courier", courier, "awb", awb, "tenant_id", t.ID)
		return t.ID, nil
	}
	return "", fmt.Errorf("%w: awb %s", ErrUnroutable, awb)
}
