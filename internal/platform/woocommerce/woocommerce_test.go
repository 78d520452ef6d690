package woocommerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const orderJSON = `{
	"id": 727, "number": "727", "status": "processing", "total": "2450.00", "currency": "INR",
	"payment_method": "cod",
	"date_created_gmt": "2026-03-02T08:00:00", "date_modified_gmt": "2026-03-02T09:30:00",
	"billing": {"first_name": "Ravi", "last_name": "K", "phone": "9876543210"},
	"shipping": {"address_1": "4 Park St", "city": "Kolkata", "postcode": "700016"},
	"line_items": [{"sku": "MUG", "name": "Mug", "quantity": 1, "price": 2450}]
}`

func TestFetchOrdersUsesPageCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ck", user)
		assert.Equal(t, "cs", pass)
		assert.Equal(t, "/wp-json/wc/v3/orders", r.URL.Path)
		w.Header().Set("X-WP-TotalPages", "2")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`[` + orderJSON + `]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	a, err := New(platform.Config{
		IntegrationID: "int_wc",
		BaseURL:       srv.URL,
		Credentials:   platform.Credentials{"consumer_key": "ck", "consumer_secret": "cs"},
		HTTP:          srv.Client(),
	})
	require.NoError(t, err)

	page, err := a.FetchOrders(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "2", page.NextCursor)
	o := page.Orders[0]
	assert.Equal(t, domain.PaymentCOD, o.PaymentMethod)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), o.UpdatedAt)
	assert.Equal(t, "700016", o.Customer.Pincode)

	page, err = a.FetchOrders(context.Background(), time.Time{}, "2")
	require.NoError(t, err)
	assert.Empty(t, page.NextCursor)

	_, err = a.FetchOrders(context.Background(), time.Time{}, "zero")
	assert.True(t, platform.IsKind(err, platform.FailPermanent))
}

func TestPushInventoryLooksUpSKU(t *testing.T) {
	var put map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("sku") == "MUG":
			_, _ = w.Write([]byte(`[{"id": 31}]`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPut:
			assert.Equal(t, "/wp-json/wc/v3/products/31", r.URL.Path)
			_ = json.NewDecoder(r.Body).Decode(&put)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()
	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)

	res, err := a.PushInventory(context.Background(), []domain.InventoryLevel{{SKU: "MUG", Quantity: 9}, {SKU: "NOPE"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"MUG"}, res.Pushed)
	assert.Contains(t, res.Failed, "NOPE")
	assert.Equal(t, float64(9), put["stock_quantity"])
}

func TestParseWebhook(t *testing.T) {
	a, err := New(platform.Config{IntegrationID: "int_wc", BaseURL: "http://x", Credentials: platform.Credentials{"webhook_secret": "s"}})
	require.NoError(t, err)
	body := []byte(orderJSON)
	h := http.Header{}
	h.Set("X-WC-Webhook-Signature", platform.SignBase64HMAC("s", body))
	h.Set("X-WC-Webhook-Topic", "order.updated")
	h.Set("X-WC-Webhook-Delivery-ID", "d-9")
	require.NoError(t, a.ValidateWebhookSignature(h, body))

	evs, err := a.ParseWebhook(h, body)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "d-9", evs[0].ID)
	assert.Equal(t, "int_wc", evs[0].IntegrationID)

	_, err = a.ParseWebhook(h, []byte(`{}`))
	assert.ErrorIs(t, err, platform.ErrInvalidPayload)
}
