package httpserver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/domain"
	"opsync/internal/inbound"
	"opsync/internal/observability"
	"opsync/internal/platform"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

// Webhooks receives platform callbacks, verifies and normalizes them, and
// hands the events to Sink. Nothing is applied on the request path.
type Webhooks struct {
	Directory store.TenantDirectory
	Scopes    tenant.ScopeBuilder
	Registry  *platform.Registry
	// CourierSecrets holds the shared webhook secret per courier platform.
	CourierSecrets map[string]string
	Sink           inbound.Sink
	Logger         *slog.Logger
	Now            func() time.Time
}

func (h *Webhooks) Register(mux *mux.Router) {
	mux.HandleFunc("/webhooks/channels/{type}/{routeId}", h.handleChannel).Methods(http.MethodPost)
	mux.HandleFunc("/webhooks/couriers/{type}", h.handleCourier).Methods(http.MethodPost)
}

func (h *Webhooks) handleChannel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	typ := strings.ToLower(vars["type"])
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	route, err := h.Directory.ResolveChannelRoute(r.Context(), vars["routeId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !strings.EqualFold(route.Platform, typ) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrNotFound})
		return
	}
	sc, err := tenant.Open(r.Context(), h.Directory, h.Scopes, route.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in, err := sc.Data.GetIntegration(r.Context(), route.IntegrationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	adapter, err := sc.Adapters.For(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.accept(w, r, adapter, body, func(ev *domain.InboundEvent) {
		ev.TenantID = route.TenantID
		ev.IntegrationID = route.IntegrationID
	})
}

// handleCourier serves couriers that post every tenant's shipments to one
// URL. The tenant is resolved later from the AWB.
func (h *Webhooks) handleCourier(w http.ResponseWriter, r *http.Request) {
	typ := strings.ToLower(mux.Vars(r)["type"])
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	kind, known := h.Registry.Kind(typ)
	secret := h.CourierSecrets[typ]
	if !known || kind != domain.KindCourier || secret == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrUnknownPlatform})
		return
	}
	adapter, err := h.Registry.New(typ, platform.Config{
		Credentials: platform.Credentials{"webhook_secret": secret, "webhook_token": secret},
		Logger:      h.logger().With("platform", typ),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.accept(w, r, adapter, body, nil)
}

func (h *Webhooks) accept(w http.ResponseWriter, r *http.Request, a platform.Adapter, body []byte, route func(ev *domain.InboundEvent)) {
	name := a.Platform()
	if err := a.ValidateWebhookSignature(r.Header, body); err != nil {
		if !errors.Is(err, platform.ErrInvalidSignature) {
			observability.InboundWebhooks.WithLabelValues(name, "secret_error").Inc()
			writeError(w, r, err)
			return
		}
		observability.InboundWebhooks.WithLabelValues(name, "invalid_signature").Inc()
		h.logger().Warn("webhook signature rejected", "platform", name, "remote", r.RemoteAddr)
		writeError(w, r, err)
		return
	}
	events, err := a.ParseWebhook(r.Header, body)
	if err != nil {
		observability.InboundWebhooks.WithLabelValues(name, "invalid_payload").Inc()
		h.logger().Warn("webhook payload rejected", "platform", name, "err", err)
		if !errors.Is(err, platform.ErrInvalidPayload) {
			err = errors.Join(platform.ErrInvalidPayload, err)
		}
		writeError(w, r, err)
		return
	}

	now := h.now()
	fallback := bodyID(body)
	for i := range events {
		ev := &events[i]
		if ev.Platform == "" {
			ev.Platform = name
		}
		if ev.ID == "" {
			ev.ID = fallback + "-" + strconv.Itoa(i)
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
		if route != nil {
			route(ev)
		}
		if err := h.Sink.Submit(r.Context(), *ev); err != nil {
			// The platform retries on 5xx; the replay guard absorbs the repeats.
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(events)})
}

func (h *Webhooks) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return util.NowUTC()
}

func (h *Webhooks) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: ErrBodyTooLarge})
		return nil, false
	}
	return body, true
}

// bodyID derives a stable event id for payloads that carry none, so a
// redelivered body is recognized as a replay.
func bodyID(body []byte) string {
	s := sha256.Sum256(body)
	return hex.EncodeToString(s[:12])
}
