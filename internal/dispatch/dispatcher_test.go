package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/idempotency"
	"opsync/internal/store/memstore"
)

const testSecret = "whsec_c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDispatcher(c *clock) *Dispatcher {
	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Now = c.Now
	return d
}

func newTenant(url string) *memstore.Tenant {
	data := memstore.NewTenant()
	data.SetWebhookEndpoint(domain.WebhookEndpoint{URL: url, Secret: testSecret, Enabled: true})
	return data
}

func TestDispatchDeliversSignedEnvelope(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	recv := &Receiver{Secret: testSecret, Guard: idempotency.NewMemory(time.Hour), Tolerance: 5 * time.Minute, Now: c.Now}

	var got domain.OutboundEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env, dup, err := recv.Accept(r.Context(), r.Header, body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.False(t, dup)
		assert.Equal(t, domain.EventNdrCreated, r.Header.Get(HeaderEventType))
		got = env
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	data := newTenant(srv.URL)
	d := newTestDispatcher(c)

	del, err := d.Dispatch(context.Background(), data, "tenant_a", domain.EventNdrCreated, "ndr_1", map[string]string{"id": "ndr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, del.Status)
	assert.Equal(t, 1, del.AttemptCount)

	assert.Equal(t, del.ID, got.DeliveryID)
	assert.Equal(t, "tenant_a", got.TenantID)
	assert.Equal(t, domain.EventNdrCreated, got.EventType)
	assert.JSONEq(t, `{"id":"ndr_1"}`, string(got.Data))
}

func TestDispatchIsIdempotentPerEventAndKey(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	data := newTenant(srv.URL)
	d := newTestDispatcher(c)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, data, "tenant_a", domain.EventOrderCreated, "ord_1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, first.Status)
	assert.Equal(t, 1, first.AttemptCount)
	assert.Equal(t, c.t.Add(time.Minute), first.NextAttemptAt)
	assert.Equal(t, http.StatusInternalServerError, first.LastHTTPStatus)

	second, err := d.Dispatch(ctx, data, "tenant_a", domain.EventOrderCreated, "ord_1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, data.Deliveries(), 1)
	assert.EqualValues(t, 1, hits.Load(), "a duplicate dispatch must not attempt again")

	_, err = d.Dispatch(ctx, data, "tenant_a", domain.EventOrderUpdated, "ord_1", nil)
	require.NoError(t, err)
	assert.Len(t, data.Deliveries(), 2)
}

func TestRetryUntilExhausted(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	data := newTenant(srv.URL)
	d := newTestDispatcher(c)
	ctx := context.Background()

	del, err := d.Dispatch(ctx, data, "tenant_a", domain.EventNdrSLABreached, "ndr_9", nil)
	require.NoError(t, err)

	lastCount, lastNext := del.AttemptCount, del.NextAttemptAt
	for i := 0; i < 20; i++ {
		// Not due yet: nothing happens.
		counts, err := d.RetryFailedDeliveries(ctx, data, 100)
		require.NoError(t, err)
		assert.Zero(t, counts.Processed)

		c.t = lastNext
		counts, err = d.RetryFailedDeliveries(ctx, data, 100)
		require.NoError(t, err)

		cur, err := data.GetDelivery(ctx, del.ID)
		require.NoError(t, err)
		if cur.Status == domain.DeliveryExhausted {
			assert.Equal(t, 1, counts.Errored)
			break
		}
		assert.Greater(t, cur.AttemptCount, lastCount)
		assert.True(t, cur.NextAttemptAt.After(lastNext), "next attempt must move forward")
		assert.Equal(t, domain.DeliveryFailed, cur.Status)
		lastCount, lastNext = cur.AttemptCount, cur.NextAttemptAt
	}

	cur, err := data.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryExhausted, cur.Status)
	assert.Equal(t, DefaultMaxAttempts, cur.AttemptCount)
	assert.EqualValues(t, DefaultMaxAttempts, hits.Load())

	c.Advance(48 * time.Hour)
	counts, err := d.RetryFailedDeliveries(ctx, data, 100)
	require.NoError(t, err)
	assert.Zero(t, counts.Processed)
	assert.EqualValues(t, DefaultMaxAttempts, hits.Load(), "exhausted deliveries are never attempted again")

	exhausted, err := d.ListExhausted(ctx, data, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, del.ID, exhausted[0].ID)
}

func TestBackoffScheduleFollowsTable(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	data := newTenant(srv.URL)
	d := newTestDispatcher(c)
	ctx := context.Background()

	del, err := d.Dispatch(ctx, data, "tenant_a", domain.EventOrderCreated, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, del.NextAttemptAt.Sub(c.t))

	for _, want := range DefaultSchedule[1:4] {
		c.t = del.NextAttemptAt
		_, err := d.RetryFailedDeliveries(ctx, data, 10)
		require.NoError(t, err)
		del, err = data.GetDelivery(ctx, del.ID)
		require.NoError(t, err)
		assert.Equal(t, want, del.NextAttemptAt.Sub(c.t))
	}
}

func TestRequeueExhausted(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	status := atomic.Int32{}
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	data := newTenant(srv.URL)
	d := newTestDispatcher(c)
	d.MaxAttempts = 2
	ctx := context.Background()

	del, err := d.Dispatch(ctx, data, "tenant_a", domain.EventOrderCreated, "k", nil)
	require.NoError(t, err)
	_, err = d.Requeue(ctx, data, del.ID)
	require.Error(t, err, "only exhausted deliveries can be requeued")

	c.t = del.NextAttemptAt
	_, err = d.RetryFailedDeliveries(ctx, data, 10)
	require.NoError(t, err)
	del, err = data.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryExhausted, del.Status)

	re, err := d.Requeue(ctx, data, del.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, re.Status)
	assert.Equal(t, 2, re.AttemptCount)
	assert.Equal(t, 2+RequeueAttempts, re.MaxAttempts)
	assert.True(t, re.NextAttemptAt.After(c.t))

	status.Store(http.StatusOK)
	c.t = re.NextAttemptAt
	counts, err := d.RetryFailedDeliveries(ctx, data, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)
	done, err := data.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, done.Status)
	assert.Equal(t, 3, done.AttemptCount)
}

func TestNoEndpoint(t *testing.T) {
	c := &clock{t: time.Now().UTC()}
	data := memstore.NewTenant()
	d := newTestDispatcher(c)

	_, err := d.Dispatch(context.Background(), data, "tenant_a", domain.EventOrderCreated, "k", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.NoError(t, d.For("tenant_a", data).Emit(context.Background(), domain.EventOrderCreated, "k", nil))
	assert.Empty(t, data.Deliveries())
}

func TestReceiverRecognizesReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	recv := &Receiver{Secret: testSecret, Guard: idempotency.NewMemory(time.Hour), Tolerance: 5 * time.Minute, Now: func() time.Time { return now }}
	body := []byte(`{"eventType":"ndr.created","tenantId":"t","data":{},"deliveryId":"wd_1","timestamp":"2026-03-01T10:00:00Z"}`)
	h := http.Header{}
	SignHeaders(h, testSecret, "wd_1", "ndr.created", now, body)

	_, dup, err := recv.Accept(context.Background(), h, body)
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = recv.Accept(context.Background(), h, body)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body := []byte(`{}`)
	h := http.Header{}
	SignHeaders(h, "plain-secret", "wd_1", "x", now, body)

	assert.NoError(t, Verify("plain-secret", h, body, now, time.Minute))
	assert.ErrorIs(t, Verify("other", h, body, now, time.Minute), ErrBadSignature)
	assert.ErrorIs(t, Verify("plain-secret", h, []byte(`{"a":1}`), now, time.Minute), ErrBadSignature)
	assert.ErrorIs(t, Verify("plain-secret", h, body, now.Add(time.Hour), time.Minute), ErrStaleTimestamp)
	assert.ErrorIs(t, Verify("plain-secret", http.Header{}, body, now, time.Minute), ErrMissingHeaders)

	rotated := h.Clone()
	rotated.Set(HeaderSignature, "v1,AAAA "+h.Get(HeaderSignature))
	assert.NoError(t, Verify("plain-secret", rotated, body, now, time.Minute))
}
