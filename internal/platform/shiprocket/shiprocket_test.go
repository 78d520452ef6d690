package shiprocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

func TestTrackingLogsInOnceAndOrdersOldestFirst(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			atomic.AddInt32(&logins, 1)
			_, _ = w.Write([]byte(`{"token":"jwt"}`))
		case "/courier/track/awb/SR1":
			assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"tracking_data":{"track_status":1,"shipment_track_activities":[
				{"date":"2026-03-04 11:00:00","status":"UD","activity":"Customer not available","location":"Delhi","sr-status-label":"UNDELIVERED"},
				{"date":"2026-03-03 09:00:00","status":"IT","activity":"Shipment in transit","location":"Jaipur","sr-status-label":"IN TRANSIT"}
			]}}`))
		}
	}))
	defer srv.Close()

	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client(), Credentials: platform.Credentials{"email": "e", "password": "p"}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		evs, err := a.FetchTracking(context.Background(), "SR1")
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, domain.ShipmentInTransit, evs[0].Status)
		assert.Equal(t, domain.ShipmentNDR, evs[1].Status)
		require.NotNil(t, evs[1].NDR)
		assert.Equal(t, domain.ReasonCustomerUnavailable, evs[1].NDR.ReasonCode)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
}

func TestRequestReattempt(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			_, _ = w.Write([]byte(`{"token":"jwt"}`))
			return
		}
		assert.Equal(t, "/ndr/SR1/action", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)

	require.NoError(t, a.RequestReattempt(context.Background(), "SR1", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), "agreed"))
	assert.Equal(t, "re-attempt", body["action"])
	assert.Equal(t, "2026-03-05", body["deferred_date"])
}

func TestLoginFailureIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	a, err := New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	assert.True(t, platform.IsKind(a.TestConnection(context.Background()), platform.FailAuth))
}

func TestParseWebhook(t *testing.T) {
	a, err := New(platform.Config{Credentials: platform.Credentials{"webhook_token": "tok"}})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Api-Key", "tok")
	require.NoError(t, a.ValidateWebhookSignature(h, nil))
	h.Set("X-Api-Key", "nope")
	assert.ErrorIs(t, a.ValidateWebhookSignature(h, nil), platform.ErrInvalidSignature)

	body := []byte(`{"awb":19041424751540,"order_id":"1001","current_status":"UNDELIVERED",
		"current_timestamp":"2026-03-04 11:00:00","ndr_reason":"Cash not ready","attempts":2,
		"payment_method":"cod","cod_amount":900}`)
	evs, err := a.ParseWebhook(h, body)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.InboundNDR, evs[0].Kind)
	assert.Equal(t, "19041424751540", evs[0].NDR.AWB)
	assert.Equal(t, domain.ReasonCashNotReady, evs[0].NDR.ReasonCode)
	assert.Equal(t, 2, evs[0].NDR.AttemptCount)
	assert.Equal(t, domain.PaymentCOD, evs[0].NDR.PaymentMethod)

	delivered := []byte(`{"awb":"SR1","current_status":"DELIVERED","current_timestamp":"2026-03-05 10:00:00"}`)
	evs, err = a.ParseWebhook(h, delivered)
	require.NoError(t, err)
	assert.Equal(t, domain.InboundTracking, evs[0].Kind)
	assert.Equal(t, domain.ShipmentDelivered, evs[0].Tracking.Status)

	_, err = a.ParseWebhook(h, []byte(`{"awb":"SR1"}`))
	assert.ErrorIs(t, err, platform.ErrInvalidPayload)
}
