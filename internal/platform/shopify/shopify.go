// Package shopify implements the Shopify Admin REST channel adapter.
package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const (
	Name       = "shopify"
	apiVersion = "2024-07"
	pageSize   = 50
)

func Register(r *platform.Registry) {
	r.Register(Name, domain.KindChannel, func(cfg platform.Config) (platform.Adapter, error) {
		return New(cfg)
	})
}

type Adapter struct {
	client        *platform.Client
	creds         platform.CredentialSource
	integrationID string
	locationID    string
	itemIDs       map[string]string
}

var _ platform.ChannelAdapter = (*Adapter)(nil)

// New expects credentials access_token and webhook_secret and the shop setting.
func New(cfg platform.Config) (*Adapter, error) {
	base := cfg.BaseURL
	if base == "" {
		shop := cfg.Settings["shop"]
		if shop == "" {
			return nil, fmt.Errorf("shopify: shop setting is required")
		}
		base = "https://" + shop + ".myshopify.com"
	}
	creds := cfg.Source()
	a := &Adapter{
		creds:         creds,
		integrationID: cfg.IntegrationID,
		locationID:    cfg.Settings["location_id"],
		itemIDs:       map[string]string{},
	}
	for k, v := range cfg.Settings {
		if sku, ok := strings.CutPrefix(k, "inventory_item:"); ok {
			a.itemIDs[sku] = v
		}
	}
	a.client = &platform.Client{
		Platform: Name,
		BaseURL:  strings.TrimRight(base, "/") + "/admin/api/" + apiVersion,
		HTTP:     cfg.HTTP,
		Policy:   cfg.Policy,
		Auth: func(ctx context.Context, req *http.Request) error {
			c, err := creds(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("X-Shopify-Access-Token", c.Get("access_token"))
			return nil
		},
	}
	return a, nil
}

func (a *Adapter) Platform() string             { return Name }
func (a *Adapter) Kind() domain.IntegrationKind { return domain.KindChannel }

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.client.Do(ctx, platform.Request{Op: "test_connection", Method: http.MethodGet, Path: "/shop.json"})
	return err
}

type apiOrder struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	FinancialStatus     string    `json:"financial_status"`
	FulfillmentStatus   *string   `json:"fulfillment_status"`
	CancelledAt         *string   `json:"cancelled_at"`
	TotalPrice          string    `json:"total_price"`
	Currency            string    `json:"currency"`
	PaymentGatewayNames []string  `json:"payment_gateway_names"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Email               string    `json:"email"`
	Phone               string    `json:"phone"`
	Customer            *struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
		Email     string `json:"email"`
	} `json:"customer"`
	ShippingAddress *struct {
		Name     string `json:"name"`
		Address1 string `json:"address1"`
		Address2 string `json:"address2"`
		City     string `json:"city"`
		Zip      string `json:"zip"`
		Phone    string `json:"phone"`
	} `json:"shipping_address"`
	LineItems []struct {
		SKU      string `json:"sku"`
		Title    string `json:"title"`
		Quantity int    `json:"quantity"`
		Price    string `json:"price"`
	} `json:"line_items"`
}

func (o apiOrder) normalize(integrationID string) domain.Order {
	out := domain.Order{
		IntegrationID: integrationID,
		Channel:       Name,
		ExternalID:    strconv.FormatInt(o.ID, 10),
		Number:        o.Name,
		Status:        orderStatus(o),
		Total:         parseMoney(o.TotalPrice),
		Currency:      o.Currency,
		PaymentMethod: domain.PaymentPrepaid,
		PlacedAt:      o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
		Customer:      domain.Customer{Email: o.Email, Phone: o.Phone},
	}
	for _, g := range o.PaymentGatewayNames {
		if strings.Contains(strings.ToLower(g), "cash on delivery") || strings.EqualFold(g, "cod") {
			out.PaymentMethod = domain.PaymentCOD
		}
	}
	if o.Customer != nil {
		out.Customer.Name = strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
		if o.Customer.Phone != "" {
			out.Customer.Phone = o.Customer.Phone
		}
		if o.Customer.Email != "" {
			out.Customer.Email = o.Customer.Email
		}
	}
	if s := o.ShippingAddress; s != nil {
		if s.Name != "" {
			out.Customer.Name = s.Name
		}
		out.Customer.Address = strings.TrimSpace(s.Address1 + " " + s.Address2)
		out.Customer.City = s.City
		out.Customer.Pincode = s.Zip
		if s.Phone != "" {
			out.Customer.Phone = s.Phone
		}
	}
	for _, li := range o.LineItems {
		out.Lines = append(out.Lines, domain.OrderLine{SKU: li.SKU, Name: li.Title, Quantity: li.Quantity, Price: parseMoney(li.Price)})
	}
	return out
}

func orderStatus(o apiOrder) string {
	switch {
	case o.CancelledAt != nil:
		return "cancelled"
	case o.FulfillmentStatus != nil && *o.FulfillmentStatus == "fulfilled":
		return "fulfilled"
	case o.FinancialStatus != "":
		return o.FinancialStatus
	}
	return "open"
}

func parseMoney(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// FetchOrders pages with Shopify's cursor-based page_info. The cursor is
// opaque to callers.
func (a *Adapter) FetchOrders(ctx context.Context, since time.Time, cursor string) (platform.OrderPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("page_info", cursor)
	} else {
		q.Set("status", "any")
		q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
		q.Set("order", "updated_at asc")
	}
	var out struct {
		Orders []apiOrder `json:"orders"`
	}
	resp, err := a.client.Do(ctx, platform.Request{Op: "fetch_orders", Method: http.MethodGet, Path: "/orders.json", Query: q, Out: &out})
	if err != nil {
		return platform.OrderPage{}, err
	}
	page := platform.OrderPage{}
	for _, o := range out.Orders {
		page.Orders = append(page.Orders, o.normalize(a.integrationID))
	}
	if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		if u, err := url.Parse(m[1]); err == nil {
			page.NextCursor = u.Query().Get("page_info")
		}
	}
	return page, nil
}

// PushInventory sets available quantities at the configured location. SKUs
// are mapped to inventory item ids through inventory_item:<sku> settings.
func (a *Adapter) PushInventory(ctx context.Context, levels []domain.InventoryLevel) (platform.InventoryResult, error) {
	if a.locationID == "" {
		return platform.InventoryResult{}, platform.Permanent(Name, "missing_location", "location_id setting is required")
	}
	res := platform.InventoryResult{Failed: map[string]error{}}
	for _, l := range levels {
		itemID, ok := a.itemIDs[l.SKU]
		if !ok {
			res.Failed[l.SKU] = platform.Permanent(Name, "unmapped_sku", l.SKU)
			continue
		}
		body := map[string]any{"location_id": a.locationID, "inventory_item_id": itemID, "available": l.Quantity}
		_, err := a.client.Do(ctx, platform.Request{Op: "push_inventory", Method: http.MethodPost, Path: "/inventory_levels/set.json", Body: body})
		if err != nil {
			if platform.IsKind(err, platform.FailCircuitOpen) || platform.IsKind(err, platform.FailCanceled) {
				return res, err
			}
			res.Failed[l.SKU] = err
			continue
		}
		res.Pushed = append(res.Pushed, l.SKU)
	}
	return res, nil
}

func (a *Adapter) ValidateWebhookSignature(h http.Header, body []byte) error {
	c, err := a.creds(context.Background())
	if err != nil {
		return fmt.Errorf("%s webhook secret: %w", Name, err)
	}
	return platform.VerifyBase64HMAC(c.Get("webhook_secret"), body, h.Get("X-Shopify-Hmac-Sha256"))
}

func (a *Adapter) ParseWebhook(h http.Header, body []byte) ([]domain.InboundEvent, error) {
	id := h.Get("X-Shopify-Webhook-Id")
	topic := h.Get("X-Shopify-Topic")
	switch topic {
	case "orders/create", "orders/updated", "orders/cancelled", "orders/paid", "orders/fulfilled":
	default:
		return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundIgnored}}, nil
	}
	var o apiOrder
	if err := json.Unmarshal(body, &o); err != nil || o.ID == 0 {
		return nil, fmt.Errorf("%w: shopify order", platform.ErrInvalidPayload)
	}
	order := o.normalize(a.integrationID)
	if id == "" {
		id = fmt.Sprintf("%s:%d:%d", topic, o.ID, o.UpdatedAt.Unix())
	}
	return []domain.InboundEvent{{
		ID:            id,
		Platform:      Name,
		Kind:          domain.InboundOrder,
		IntegrationID: a.integrationID,
		Order:         &order,
		Raw:           body,
	}}, nil
}
