// Package woocommerce implements the WooCommerce REST v3 channel adapter.
package woocommerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const (
	Name     = "woocommerce"
	pageSize = 50
	// WooCommerce *_gmt fields carry no zone designator.
	gmtLayout = "2006-01-02T15:04:05"
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
}

var _ platform.ChannelAdapter = (*Adapter)(nil)

// New expects credentials consumer_key, consumer_secret, webhook_secret and
// the store_url setting.
func New(cfg platform.Config) (*Adapter, error) {
	base := cfg.BaseURL
	if base == "" {
		base = cfg.Settings["store_url"]
	}
	if base == "" {
		return nil, fmt.Errorf("woocommerce: store_url setting is required")
	}
	creds := cfg.Source()
	return &Adapter{
		creds:         creds,
		integrationID: cfg.IntegrationID,
		client: &platform.Client{
			Platform: Name,
			BaseURL:  strings.TrimRight(base, "/") + "/wp-json/wc/v3",
			HTTP:     cfg.HTTP,
			Policy:   cfg.Policy,
			Auth: func(ctx context.Context, req *http.Request) error {
				c, err := creds(ctx)
				if err != nil {
					return err
				}
				req.SetBasicAuth(c.Get("consumer_key"), c.Get("consumer_secret"))
				return nil
			},
		},
	}, nil
}

func (a *Adapter) Platform() string             { return Name }
func (a *Adapter) Kind() domain.IntegrationKind { return domain.KindChannel }

func (a *Adapter) TestConnection(ctx context.Context) error {
	q := url.Values{"per_page": {"1"}}
	_, err := a.client.Do(ctx, platform.Request{Op: "test_connection", Method: http.MethodGet, Path: "/orders", Query: q})
	return err
}

type apiOrder struct {
	ID              int64  `json:"id"`
	Number          string `json:"number"`
	Status          string `json:"status"`
	Total           string `json:"total"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"payment_method"`
	DateCreatedGMT  string `json:"date_created_gmt"`
	DateModifiedGMT string `json:"date_modified_gmt"`
	Billing         struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
		Email     string `json:"email"`
	} `json:"billing"`
	Shipping struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Address1  string `json:"address_1"`
		Address2  string `json:"address_2"`
		City      string `json:"city"`
		Postcode  string `json:"postcode"`
	} `json:"shipping"`
	LineItems []struct {
		SKU      string  `json:"sku"`
		Name     string  `json:"name"`
		Quantity int     `json:"quantity"`
		Price    float64 `json:"price"`
	} `json:"line_items"`
}

func (o apiOrder) normalize(integrationID string) domain.Order {
	total, _ := strconv.ParseFloat(o.Total, 64)
	out := domain.Order{
		IntegrationID: integrationID,
		Channel:       Name,
		ExternalID:    strconv.FormatInt(o.ID, 10),
		Number:        o.Number,
		Status:        o.Status,
		Total:         total,
		Currency:      o.Currency,
		PaymentMethod: domain.PaymentPrepaid,
		PlacedAt:      parseGMT(o.DateCreatedGMT),
		UpdatedAt:     parseGMT(o.DateModifiedGMT),
		Customer: domain.Customer{
			Name:    strings.TrimSpace(o.Billing.FirstName + " " + o.Billing.LastName),
			Phone:   o.Billing.Phone,
			Email:   o.Billing.Email,
			Address: strings.TrimSpace(o.Shipping.Address1 + " " + o.Shipping.Address2),
			City:    o.Shipping.City,
			Pincode: o.Shipping.Postcode,
		},
	}
	if o.PaymentMethod == "cod" {
		out.PaymentMethod = domain.PaymentCOD
	}
	for _, li := range o.LineItems {
		out.Lines = append(out.Lines, domain.OrderLine{SKU: li.SKU, Name: li.Name, Quantity: li.Quantity, Price: li.Price})
	}
	return out
}

func parseGMT(s string) time.Time {
	t, err := time.ParseInLocation(gmtLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FetchOrders pages by page number; the cursor is the next page to read.
func (a *Adapter) FetchOrders(ctx context.Context, since time.Time, cursor string) (platform.OrderPage, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return platform.OrderPage{}, platform.Permanent(Name, "bad_cursor", cursor)
		}
		page = n
	}
	q := url.Values{}
	q.Set("modified_after", since.UTC().Format(time.RFC3339))
	q.Set("dates_are_gmt", "true")
	q.Set("orderby", "modified")
	q.Set("order", "asc")
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))

	var out []apiOrder
	resp, err := a.client.Do(ctx, platform.Request{Op: "fetch_orders", Method: http.MethodGet, Path: "/orders", Query: q, Out: &out})
	if err != nil {
		return platform.OrderPage{}, err
	}
	res := platform.OrderPage{}
	for _, o := range out {
		res.Orders = append(res.Orders, o.normalize(a.integrationID))
	}
	totalPages, _ := strconv.Atoi(resp.Header.Get("X-WP-TotalPages"))
	if page < totalPages {
		res.NextCursor = strconv.Itoa(page + 1)
	}
	return res, nil
}

// PushInventory looks each SKU up and sets its managed stock quantity.
func (a *Adapter) PushInventory(ctx context.Context, levels []domain.InventoryLevel) (platform.InventoryResult, error) {
	res := platform.InventoryResult{Failed: map[string]error{}}
	for _, l := range levels {
		var products []struct {
			ID int64 `json:"id"`
		}
		_, err := a.client.Do(ctx, platform.Request{
			Op: "lookup_sku", Method: http.MethodGet, Path: "/products",
			Query: url.Values{"sku": {l.SKU}}, Out: &products,
		})
		if err == nil && len(products) == 0 {
			err = platform.Permanent(Name, "unknown_sku", l.SKU)
		}
		if err == nil {
			_, err = a.client.Do(ctx, platform.Request{
				Op: "push_inventory", Method: http.MethodPut,
				Path: "/products/" + strconv.FormatInt(products[0].ID, 10),
				Body: map[string]any{"manage_stock": true, "stock_quantity": l.Quantity},
			})
		}
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
	return platform.VerifyBase64HMAC(c.Get("webhook_secret"), body, h.Get("X-WC-Webhook-Signature"))
}

func (a *Adapter) ParseWebhook(h http.Header, body []byte) ([]domain.InboundEvent, error) {
	id := h.Get("X-WC-Webhook-Delivery-ID")
	switch h.Get("X-WC-Webhook-Topic") {
	case "order.created", "order.updated":
	default:
		return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundIgnored}}, nil
	}
	var o apiOrder
	if err := json.Unmarshal(body, &o); err != nil || o.ID == 0 {
		return nil, fmt.Errorf("%w: woocommerce order", platform.ErrInvalidPayload)
	}
	order := o.normalize(a.integrationID)
	if id == "" {
		id = fmt.Sprintf("order:%d:%s", o.ID, o.DateModifiedGMT)
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
