package main

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"opsync/internal/dispatch"
	"opsync/internal/domain"
)

const maxReceiverBody = 1 << 20

type received struct {
	Envelope  domain.OutboundEnvelope `json:"envelope"`
	Duplicate bool                    `json:"duplicate"`
}

// inbox keeps what the receiver accepted so load tests can assert on it.
type inbox struct {
	mu     sync.Mutex
	events []received
}

func (b *inbox) add(r received) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, r)
}

func (b *inbox) list() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.events...)
}

func (s *server) handleReceive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReceiverBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	env, dup, err := s.receiver.Accept(r.Context(), r.Header, body)
	switch {
	case errors.Is(err, dispatch.ErrMissingHeaders), errors.Is(err, dispatch.ErrBadSignature), errors.Is(err, dispatch.ErrStaleTimestamp):
		s.logger.Warn("receiver rejected delivery", "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.inbox.add(received{Envelope: env, Duplicate: dup})
	s.logger.Info("receiver accepted delivery",
		"delivery_id", env.DeliveryID, "event_type", env.EventType, "tenant_id", env.TenantID, "duplicate", dup)
	writeJSON(w, http.StatusOK, map[string]bool{"duplicate": dup})
}

func (s *server) handleInbox(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.inbox.list()})
}
