package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"opsync/internal/domain"
	"opsync/internal/idempotency"
)

// Receiver is the consuming side of a delivery: it verifies the signature and
// recognizes replays by delivery id.
type Receiver struct {
	Secret    string
	Guard     idempotency.Guard
	Tolerance time.Duration
	Now       func() time.Time
}

func (r *Receiver) Accept(ctx context.Context, h http.Header, body []byte) (env domain.OutboundEnvelope, duplicate bool, err error) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if err := Verify(r.Secret, h, body, now, r.Tolerance); err != nil {
		return env, false, err
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.DeliveryID == "" || env.DeliveryID != h.Get(HeaderID) {
		return env, false, fmt.Errorf("delivery id mismatch")
	}
	first, err := r.Guard.First(ctx, "delivery", env.DeliveryID)
	if err != nil {
		return env, false, err
	}
	return env, !first, nil
}
