// Package dispatch delivers outbound tenant events to the tenant's webhook
// endpoint and keeps per-delivery retry state.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"opsync/internal/domain"
	"opsync/internal/observability"
	"opsync/internal/store"
	"opsync/internal/util"
)

// ErrNoEndpoint means the tenant has no enabled webhook endpoint; nothing is queued.
var ErrNoEndpoint = errors.New("no webhook endpoint configured")

// RequeueAttempts is how many extra attempts an operator requeue grants.
const RequeueAttempts = 3

type Dispatcher struct {
	HTTP        *http.Client
	Schedule    []time.Duration
	MaxAttempts int
	// Lease keeps concurrent sweeps from attempting the same delivery twice.
	Lease     time.Duration
	UserAgent string
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		HTTP:        &http.Client{Timeout: 10 * time.Second},
		Schedule:    DefaultSchedule,
		MaxAttempts: DefaultMaxAttempts,
		Lease:       time.Minute,
		UserAgent:   "opsync-webhooks/1",
		Logger:      logger,
		Now:         util.NowUTC,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

// Dispatch queues an event for the tenant and attempts it once right away.
// A second call with the same (eventType, key) returns the existing delivery
// without another attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, data store.DeliveryStore, tenantID, eventType, key string, payload any) (domain.WebhookDelivery, error) {
	ep, err := data.GetWebhookEndpoint(ctx)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !ep.Enabled) {
		return domain.WebhookDelivery{}, ErrNoEndpoint
	}
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("load webhook endpoint: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now := d.now()
	if key == "" {
		key = util.NewID("evt")
	}
	del, created, err := data.CreateDelivery(ctx, domain.WebhookDelivery{
		ID:             util.NewID("wd"),
		TenantID:       tenantID,
		EventType:      eventType,
		IdempotencyKey: key,
		Payload:        raw,
		TargetURL:      ep.URL,
		Status:         domain.DeliveryPending,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  now.Add(delayAfter(d.Schedule, 1)),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("create delivery: %w", err)
	}
	if !created {
		return del, nil
	}
	return d.attempt(ctx, data, del, ep)
}

// RetryFailedDeliveries attempts every Pending/Failed delivery that is due.
func (d *Dispatcher) RetryFailedDeliveries(ctx context.Context, data store.DeliveryStore, limit int) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	due, err := data.ListDueDeliveries(ctx, d.now(), limit)
	if err != nil {
		return counts, fmt.Errorf("list due deliveries: %w", err)
	}
	if len(due) == 0 {
		return counts, nil
	}

	ep, err := data.GetWebhookEndpoint(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return counts, fmt.Errorf("load webhook endpoint: %w", err)
	}
	for _, del := range due {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		counts.Processed++
		res, err := d.attempt(ctx, data, del, ep)
		switch {
		case err != nil:
			d.Logger.Error("webhook retry failed", "delivery_id", del.ID, "err", err)
			counts.Errored++
		case res.Status == domain.DeliveryDelivered:
			counts.Updated++
		case res.Status == domain.DeliveryFailed || res.Status == domain.DeliveryExhausted:
			counts.Errored++
		}
	}
	return counts, nil
}

// attempt claims del, POSTs it once and records the outcome. A lost claim
// returns del unchanged.
func (d *Dispatcher) attempt(ctx context.Context, data store.DeliveryStore, del domain.WebhookDelivery, ep domain.WebhookEndpoint) (domain.WebhookDelivery, error) {
	ctx, span := observability.Tracer().Start(ctx, "dispatch.attempt")
	span.SetAttributes(
		attribute.String("delivery_id", del.ID),
		attribute.String("event_type", del.EventType),
		attribute.Int("attempt", del.AttemptCount+1),
	)
	defer span.End()

	now := d.now()
	ok, err := data.ClaimDelivery(ctx, store.DeliveryClaim{
		ID:           del.ID,
		AttemptCount: del.AttemptCount,
		Now:          now,
		LeaseUntil:   now.Add(d.Lease),
	})
	if err != nil {
		return del, fmt.Errorf("claim delivery: %w", err)
	}
	if !ok {
		observability.WebhookDeliveries.WithLabelValues("skipped").Inc()
		return del, nil
	}

	status, sendErr := d.send(ctx, del, ep, now)

	rec := store.DeliveryAttempt{
		ID:               del.ID,
		PrevAttemptCount: del.AttemptCount,
		AttemptCount:     del.AttemptCount + 1,
		LastHTTPStatus:   status,
		Now:              d.now(),
	}
	maxAttempts := del.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.MaxAttempts
	}
	switch {
	case sendErr == nil:
		rec.Status = domain.DeliveryDelivered
		rec.NextAttemptAt = del.NextAttemptAt
	case rec.AttemptCount >= maxAttempts:
		rec.Status = domain.DeliveryExhausted
		rec.NextAttemptAt = del.NextAttemptAt
		rec.LastError = sendErr.Error()
	default:
		rec.Status = domain.DeliveryFailed
		rec.LastError = sendErr.Error()
		next := rec.Now.Add(delayAfter(d.Schedule, rec.AttemptCount))
		if !next.After(del.NextAttemptAt) {
			next = del.NextAttemptAt.Add(delayAfter(d.Schedule, rec.AttemptCount))
		}
		rec.NextAttemptAt = next
	}

	if err := data.RecordAttempt(ctx, rec); err != nil {
		return del, fmt.Errorf("record attempt: %w", err)
	}
	observability.WebhookDeliveries.WithLabelValues(string(rec.Status)).Inc()

	log := d.Logger.With("tenant_id", del.TenantID, "delivery_id", del.ID, "event_type", del.EventType, "attempt", rec.AttemptCount)
	switch rec.Status {
	case domain.DeliveryExhausted:
		log.Warn("webhook delivery exhausted", "http_status", status, "err", sendErr)
	case domain.DeliveryFailed:
		log.Info("webhook delivery failed", "http_status", status, "next_attempt_at", rec.NextAttemptAt, "err", sendErr)
	}

	del.AttemptCount = rec.AttemptCount
	del.Status = rec.Status
	del.NextAttemptAt = rec.NextAttemptAt
	del.LastError = rec.LastError
	del.LastHTTPStatus = rec.LastHTTPStatus
	del.UpdatedAt = rec.Now
	return del, nil
}

func (d *Dispatcher) send(ctx context.Context, del domain.WebhookDelivery, ep domain.WebhookEndpoint, now time.Time) (int, error) {
	if ep.URL == "" || !ep.Enabled {
		return 0, ErrNoEndpoint
	}
	target := del.TargetURL
	if target == "" {
		target = ep.URL
	}

	// The body is identical on every attempt; only the signing timestamp moves.
	body, err := json.Marshal(domain.OutboundEnvelope{
		EventType:  del.EventType,
		TenantID:   del.TenantID,
		Data:       del.Payload,
		DeliveryID: del.ID,
		Timestamp:  del.CreatedAt,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.UserAgent)
	SignHeaders(req.Header, ep.Secret, del.ID, del.EventType, now, body)

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	msg := "http " + strconv.Itoa(resp.StatusCode)
	if len(snippet) > 0 {
		msg += ": " + string(snippet)
	}
	return resp.StatusCode, errors.New(msg)
}

// ListExhausted is the operator view of deliveries that stopped retrying.
func (d *Dispatcher) ListExhausted(ctx context.Context, data store.DeliveryStore, limit int) ([]domain.WebhookDelivery, error) {
	return data.ListDeliveriesByStatus(ctx, domain.DeliveryExhausted, limit)
}

// Requeue returns an exhausted delivery to Failed with RequeueAttempts more
// attempts. The attempt count is kept.
func (d *Dispatcher) Requeue(ctx context.Context, data store.DeliveryStore, id string) (domain.WebhookDelivery, error) {
	del, err := data.GetDelivery(ctx, id)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	if del.Status != domain.DeliveryExhausted {
		return domain.WebhookDelivery{}, fmt.Errorf("%w: delivery %s is %s", store.ErrConflict, id, del.Status)
	}
	now := d.now()
	next := now.Add(delayAfter(d.Schedule, 1))
	if !next.After(del.NextAttemptAt) {
		next = del.NextAttemptAt.Add(time.Minute)
	}
	rec := store.DeliveryAttempt{
		ID:               del.ID,
		PrevAttemptCount: del.AttemptCount,
		AttemptCount:     del.AttemptCount,
		Status:           domain.DeliveryFailed,
		NextAttemptAt:    next,
		LastError:        del.LastError,
		LastHTTPStatus:   del.LastHTTPStatus,
		MaxAttempts:      del.AttemptCount + RequeueAttempts,
		Now:              now,
	}
	if err := data.RecordAttempt(ctx, rec); err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("requeue delivery: %w", err)
	}
	d.Logger.Info("webhook delivery requeued", "tenant_id", del.TenantID, "delivery_id", id)
	return data.GetDelivery(ctx, id)
}
