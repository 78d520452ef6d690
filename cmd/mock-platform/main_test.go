package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/config"
	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/platform"
	"opsync/internal/platform/delhivery"
	"opsync/internal/platform/shiprocket"
	"opsync/internal/platform/shopify"
)

func testConfig() config.MockPlatformConfig {
	return config.MockPlatformConfig{
		Mode:             "ok",
		RetryAfter:       2,
		Seed:             1,
		TwilioAccountSID: "mock_sid",
		TwilioAuthToken:  "mock_token",
		TwilioOutcomes:   "ok,rate_limit",
		CallbackDelay:    time.Millisecond,
		ReceiverSecret:   "whsec_dGVzdA==",
	}
}

func start(t *testing.T, cfg config.MockPlatformConfig) *httptest.Server {
	t.Helper()
	s := newServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestRateLimitModeAnswers429WithRetryAfter(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "rate_limit"
	srv := start(t, cfg)

	resp, err := http.Post(srv.URL+"/api/p/update", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// Health is never faulted.
	h, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer h.Body.Close()
	assert.Equal(t, http.StatusOK, h.StatusCode)
}

func TestServerErrorModeIsClassifiedRetryable(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "server_error"
	srv := start(t, cfg)

	a, err := delhivery.New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	_, err = a.FetchTracking(context.Background(), "1490000000007")
	f, ok := platform.AsFailure(err)
	require.True(t, ok)
	assert.True(t, f.Retryable())
}

func TestDelhiveryTrackingEndsInRefusedNDR(t *testing.T) {
	srv := start(t, testConfig())
	a, err := delhivery.New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)

	evs, err := a.FetchTracking(context.Background(), "1490000000007")
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, domain.ShipmentNDR, last.Status)
	require.NotNil(t, last.NDR)
	assert.Equal(t, domain.ReasonRefused, last.NDR.ReasonCode)
	assert.Equal(t, domain.PaymentCOD, last.NDR.PaymentMethod)

	evs, err = a.FetchTracking(context.Background(), "1490000000002")
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentDelivered, evs[len(evs)-1].Status)
}

func TestShiprocketTrackingIsNewestFirst(t *testing.T) {
	srv := start(t, testConfig())
	a, err := shiprocket.New(platform.Config{
		BaseURL:     srv.URL,
		HTTP:        srv.Client(),
		Credentials: platform.Credentials{"email": "ops@example.com", "password": "pw"},
	})
	require.NoError(t, err)

	evs, err := a.FetchTracking(context.Background(), "SR0000000008")
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.True(t, evs[0].OccurredAt.Before(evs[3].OccurredAt))
	assert.Equal(t, domain.ShipmentNDR, evs[3].Status)
}

func TestShopifyOrdersPageThroughLinkHeader(t *testing.T) {
	srv := start(t, testConfig())
	a, err := shopify.New(platform.Config{BaseURL: srv.URL, HTTP: srv.Client(), IntegrationID: "int_shop"})
	require.NoError(t, err)

	var total, pages int
	cursor := ""
	for {
		page, err := a.FetchOrders(context.Background(), time.Time{}, cursor)
		require.NoError(t, err)
		total += len(page.Orders)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		require.Less(t, pages, 10)
	}
	assert.Equal(t, catalogOrders, total)
	assert.Equal(t, 3, pages)
}

func TestReceiverVerifiesAndFlagsDuplicates(t *testing.T) {
	cfg := testConfig()
	srv := start(t, cfg)

	body, err := json.Marshal(domain.OutboundEnvelope{
		EventType: domain.EventOrderCreated, TenantID: "tenant_a", DeliveryID: "dlv_1",
		Data: json.RawMessage(`{}`), Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	post := func(secret string) (*http.Response, map[string]bool) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/receiver", bytes.NewReader(body))
		dispatch.SignHeaders(req.Header, secret, "dlv_1", domain.EventOrderCreated, time.Now(), body)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]bool
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, _ := post("wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := post(cfg.ReceiverSecret)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out["duplicate"])

	_, out = post(cfg.ReceiverSecret)
	assert.True(t, out["duplicate"])

	ib, err := http.Get(srv.URL + "/receiver/events")
	require.NoError(t, err)
	defer ib.Body.Close()
	var listed struct {
		Events []received `json:"events"`
	}
	require.NoError(t, json.NewDecoder(ib.Body).Decode(&listed))
	assert.Len(t, listed.Events, 2)
}

func TestTwilioChecksAuthAndCyclesOutcomes(t *testing.T) {
	srv := start(t, testConfig())
	endpoint := srv.URL + "/2010-04-01/Accounts/mock_sid/Messages.json"
	form := url.Values{"To": {"+919812345678"}, "Body": {"hi"}, "From": {"+15005550006"}}

	send := func(user, pass string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(user, pass)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, send("mock_sid", "nope").StatusCode)
	assert.Equal(t, http.StatusCreated, send("mock_sid", "mock_token").StatusCode)
	limited := send("mock_sid", "mock_token")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "2", limited.Header.Get("Retry-After"))
}

func TestClassifyOutcome(t *testing.T) {
	status, code, sent, httpStatus, err := classifyOutcome("undelivered:30005")
	require.NoError(t, err)
	assert.Equal(t, "undelivered", status)
	assert.Equal(t, 30005, code)
	assert.True(t, sent)
	assert.Equal(t, http.StatusCreated, httpStatus)

	_, code, _, httpStatus, err = classifyOutcome("bad_request")
	require.Error(t, err)
	assert.Equal(t, 21211, code)
	assert.Equal(t, http.StatusBadRequest, httpStatus)
}
