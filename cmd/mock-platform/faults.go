package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// faults applies the configured latency and failure mode to platform calls.
// Every mode answers the way real platforms do: 429 carries Retry-After.
func (s *server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Latency > 0 && !sleepContext(r.Context(), s.cfg.Latency) {
			return
		}
		switch s.cfg.Mode {
		case "rate_limit":
			s.rateLimited(w)
			return
		case "server_error":
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
			return
		case "flaky":
			if s.float() < s.cfg.FailureRate {
				if s.float() < 0.5 {
					s.rateLimited(w)
				} else {
					writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream hiccup"})
				}
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) rateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RetryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
}

func (s *server) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
