// Package platform defines the capability contracts every sales-channel and
// courier integration implements, and the resilience policy all remote calls
// go through.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"opsync/internal/domain"
)

// Adapter is the capability set shared by channels and couriers.
type Adapter interface {
	Platform() string
	Kind() domain.IntegrationKind
	TestConnection(ctx context.Context) error
	// ValidateWebhookSignature returns ErrInvalidSignature on mismatch.
	ValidateWebhookSignature(h http.Header, body []byte) error
	// ParseWebhook normalizes a verified payload. Payloads it does not care
	// about yield a single InboundIgnored event.
	ParseWebhook(h http.Header, body []byte) ([]domain.InboundEvent, error)
}

type ChannelAdapter interface {
	Adapter
	FetchOrders(ctx context.Context, since time.Time, cursor string) (OrderPage, error)
	PushInventory(ctx context.Context, levels []domain.InventoryLevel) (InventoryResult, error)
}

type CourierAdapter interface {
	Adapter
	CreateShipment(ctx context.Context, order domain.Order) (ShipmentRef, error)
	FetchTracking(ctx context.Context, awb string) ([]domain.TrackingEvent, error)
}

// ReattemptRequester is implemented by couriers that accept reattempt
// instructions over their API.
type ReattemptRequester interface {
	RequestReattempt(ctx context.Context, awb string, date time.Time, note string) error
}

// OrderPage is one page of FetchOrders. An empty NextCursor ends pagination.
type OrderPage struct {
	Orders     []domain.Order
	NextCursor string
}

type InventoryResult struct {
	Pushed []string
	Failed map[string]error
}

type ShipmentRef struct {
	AWB     string
	Courier string
}

// Credentials is the decrypted credential bundle of one integration.
type Credentials map[string]string

func (c Credentials) Get(key string) string { return c[key] }

// LogValue keeps secrets out of logs.
func (c Credentials) LogValue() slog.Value {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return slog.StringValue("[redacted " + strings.Join(keys, ",") + "]")
}

// CredentialSource yields an integration's credentials at the point of use.
type CredentialSource func(ctx context.Context) (Credentials, error)

// Config is what a Factory receives to build an adapter.
type Config struct {
	TenantID      string
	IntegrationID string
	BaseURL       string
	Credentials   Credentials
	// Secrets, when set, replaces Credentials and is called on every
	// authenticated request, so plaintext is not held by the adapter.
	Secrets       CredentialSource
	Settings      map[string]string
	HTTP          *http.Client
	Policy        *Policy
	Logger        *slog.Logger
}

// Source returns Secrets, or a source over the static Credentials.
func (c Config) Source() CredentialSource {
	if c.Secrets != nil {
		return c.Secrets
	}
	creds := c.Credentials
	return func(context.Context) (Credentials, error) { return creds, nil }
}

type Factory func(cfg Config) (Adapter, error)

type registration struct {
	kind    domain.IntegrationKind
	factory Factory
}

// Registry maps a platform name to its adapter constructor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]registration{}}
}

func (r *Registry) Register(platform string, kind domain.IntegrationKind, f Factory) {
	platform = normalizePlatform(platform)
	if platform == "" || f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = registration{kind: kind, factory: f}
}

func (r *Registry) New(platform string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.factories[normalizePlatform(platform)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	return reg.factory(cfg)
}

func (r *Registry) Kind(platform string) (domain.IntegrationKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[normalizePlatform(platform)]
	return reg.kind, ok
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
