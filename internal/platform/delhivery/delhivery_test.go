package delhivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const trackingJSON = `{"ShipmentData":[{"Shipment":{
	"AWB":"1490811234567","ReferenceNo":"#1001","CODAmount":1299,"PaymentMode":"COD","ConsigneePhone":"9876543210",
	"Scans":[
		{"ScanDetail":{"Scan":"Manifested","ScanType":"UD","ScanDateTime":"2026-03-01T09:00:00","ScannedLocation":"Pune","Instructions":"","StatusCode":"X-UCI"}},
		{"ScanDetail":{"Scan":"In Transit","ScanType":"UD","ScanDateTime":"2026-03-02T09:00:00.000","ScannedLocation":"Mumbai_Hub","Instructions":"","StatusCode":"X-DLL2F"}},
		{"ScanDetail":{"Scan":"Pending","ScanType":"UD","ScanDateTime":"2026-03-03T18:30:00","ScannedLocation":"Mumbai","Instructions":"Consignee refused to accept","StatusCode":"EOD-6"}}
	]}}]}`

const refusedPush = `{"Shipment":{"AWB":"1490811234567","ReferenceNo":"#1001","NSLCode":"EOD-6","Attempts":1,
	"CODAmount":1299,"PaymentMode":"COD","ConsigneePhone":"9876543210",
	"Status":{"Status":"Pending","StatusType":"UD","StatusDateTime":"2026-03-03T18:30:00","StatusLocation":"Mumbai","Instructions":"Consignee refused"}}}`

func TestFetchTrackingExtractsScansAndNDR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token tk", r.Header.Get("Authorization"))
		assert.Equal(t, "1490811234567", r.URL.Query().Get("waybill"))
		_, _ = w.Write([]byte(trackingJSON))
	}))
	defer srv.Close()
	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client(), Credentials: platform.Credentials{"api_token": "tk"}})
	require.NoError(t, err)

	evs, err := a.FetchTracking(context.Background(), "1490811234567")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.ShipmentCreated, evs[0].Status)
	assert.Equal(t, domain.ShipmentInTransit, evs[1].Status)
	assert.Equal(t, domain.ShipmentNDR, evs[2].Status)
	assert.Equal(t, time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC), evs[2].OccurredAt)

	ndr := evs[2].NDR
	require.NotNil(t, ndr)
	assert.Equal(t, domain.ReasonRefused, ndr.ReasonCode)
	assert.Equal(t, domain.PaymentCOD, ndr.PaymentMethod)
	assert.Equal(t, 1299.0, ndr.OrderValue)
	assert.Equal(t, "#1001", ndr.OrderRef)
	assert.Equal(t, 1, ndr.AttemptCount)
}

func TestParseWebhookRefusedNDR(t *testing.T) {
	a, err := New(platform.Config{Credentials: platform.Credentials{"webhook_secret": "dsec"}})
	require.NoError(t, err)
	body := []byte(refusedPush)

	h := http.Header{}
	h.Set("X-Delhivery-Signature", platform.SignHexHMAC("dsec", body))
	require.NoError(t, a.ValidateWebhookSignature(h, body))

	evs, err := a.ParseWebhook(h, body)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.InboundNDR, evs[0].Kind)
	assert.Equal(t, "1490811234567", evs[0].AWB())
	assert.Equal(t, domain.ReasonRefused, evs[0].NDR.ReasonCode)
	assert.Equal(t, "delhivery", evs[0].NDR.Courier)
}

func TestParseWebhookRejectsSchemaViolations(t *testing.T) {
	a, err := New(platform.Config{})
	require.NoError(t, err)
	_, err = a.ParseWebhook(nil, []byte(`{"Shipment":{"AWB":""}}`))
	assert.ErrorIs(t, err, platform.ErrInvalidPayload)
}

func TestCreateShipment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "json", r.PostForm.Get("format"))
		data, _ := url.QueryUnescape(r.PostForm.Get("data"))
		assert.Contains(t, data, `"payment_mode":"COD"`)
		_, _ = w.Write([]byte(`{"success":true,"packages":[{"waybill":"WB1","status":"Success"}]}`))
	}))
	defer srv.Close()
	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)

	ref, err := a.CreateShipment(context.Background(), domain.Order{Number: "#1", PaymentMethod: domain.PaymentCOD, Total: 10})
	require.NoError(t, err)
	assert.Equal(t, "WB1", ref.AWB)
}
