// Package platformtest provides function-field fakes of channel and courier
// adapters for tests.
package platformtest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, op)
}

// Calls returns the operations invoked so far, in order.
func (c *calls) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type Channel struct {
	calls
	Name              string
	FetchOrdersFunc   func(ctx context.Context, since time.Time, cursor string) (platform.OrderPage, error)
	PushInventoryFunc func(ctx context.Context, levels []domain.InventoryLevel) (platform.InventoryResult, error)
	ParseWebhookFunc  func(h http.Header, body []byte) ([]domain.InboundEvent, error)
	TestFunc          func(ctx context.Context) error
}

var _ platform.ChannelAdapter = (*Channel)(nil)

func (c *Channel) Platform() string            { return c.Name }
func (c *Channel) Kind() domain.IntegrationKind { return domain.KindChannel }

func (c *Channel) TestConnection(ctx context.Context) error {
	c.record("test_connection")
	if c.TestFunc == nil {
		return nil
	}
	return c.TestFunc(ctx)
}

func (c *Channel) ValidateWebhookSignature(h http.Header, _ []byte) error {
	if h.Get("X-Fake-Signature") != "ok" {
		return platform.ErrInvalidSignature
	}
	return nil
}

func (c *Channel) ParseWebhook(h http.Header, body []byte) ([]domain.InboundEvent, error) {
	c.record("parse_webhook")
	if c.ParseWebhookFunc == nil {
		return []domain.InboundEvent{{Platform: c.Name, Kind: domain.InboundIgnored}}, nil
	}
	return c.ParseWebhookFunc(h, body)
}

func (c *Channel) FetchOrders(ctx context.Context, since time.Time, cursor string) (platform.OrderPage, error) {
	c.record("fetch_orders:" + cursor)
	if c.FetchOrdersFunc == nil {
		return platform.OrderPage{}, nil
	}
	return c.FetchOrdersFunc(ctx, since, cursor)
}

func (c *Channel) PushInventory(ctx context.Context, levels []domain.InventoryLevel) (platform.InventoryResult, error) {
	c.record("push_inventory")
	if c.PushInventoryFunc == nil {
		res := platform.InventoryResult{}
		for _, l := range levels {
			res.Pushed = append(res.Pushed, l.SKU)
		}
		return res, nil
	}
	return c.PushInventoryFunc(ctx, levels)
}

type Courier struct {
	calls
	Name                 string
	CreateShipmentFunc   func(ctx context.Context, order domain.Order) (platform.ShipmentRef, error)
	FetchTrackingFunc    func(ctx context.Context, awb string) ([]domain.TrackingEvent, error)
	RequestReattemptFunc func(ctx context.Context, awb string, date time.Time, note string) error
	ParseWebhookFunc     func(h http.Header, body []byte) ([]domain.InboundEvent, error)
	TestFunc             func(ctx context.Context) error
}

var (
	_ platform.CourierAdapter     = (*Courier)(nil)
	_ platform.ReattemptRequester = (*Courier)(nil)
)

func (c *Courier) Platform() string            { return c.Name }
func (c *Courier) Kind() domain.IntegrationKind { return domain.KindCourier }

func (c *Courier) TestConnection(ctx context.Context) error {
	c.record("test_connection")
	if c.TestFunc == nil {
		return nil
	}
	return c.TestFunc(ctx)
}

func (c *Courier) ValidateWebhookSignature(h http.Header, _ []byte) error {
	if h.Get("X-Fake-Signature") != "ok" {
		return platform.ErrInvalidSignature
	}
	return nil
}

func (c *Courier) ParseWebhook(h http.Header, body []byte) ([]domain.InboundEvent, error) {
	c.record("parse_webhook")
	if c.ParseWebhookFunc == nil {
		return []domain.InboundEvent{{Platform: c.Name, Kind: domain.InboundIgnored}}, nil
	}
	return c.ParseWebhookFunc(h, body)
}

func (c *Courier) CreateShipment(ctx context.Context, order domain.Order) (platform.ShipmentRef, error) {
	c.record("create_shipment")
	if c.CreateShipmentFunc == nil {
		return platform.ShipmentRef{AWB: "AWB-" + order.ExternalID, Courier: c.Name}, nil
	}
	return c.CreateShipmentFunc(ctx, order)
}

func (c *Courier) FetchTracking(ctx context.Context, awb string) ([]domain.TrackingEvent, error) {
	c.record("fetch_tracking:" + awb)
	if c.FetchTrackingFunc == nil {
		return nil, nil
	}
	return c.FetchTrackingFunc(ctx, awb)
}

func (c *Courier) RequestReattempt(ctx context.Context, awb string, date time.Time, note string) error {
	c.record("request_reattempt:" + awb)
	if c.RequestReattemptFunc == nil {
		return nil
	}
	return c.RequestReattemptFunc(ctx, awb, date, note)
}

// Registry registers each fake under its own name.
func Registry(adapters ...platform.Adapter) *platform.Registry {
	reg := platform.NewRegistry()
	for _, a := range adapters {
		a := a
		reg.Register(a.Platform(), a.Kind(), func(platform.Config) (platform.Adapter, error) { return a, nil })
	}
	return reg
}
