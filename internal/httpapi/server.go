// Package httpapi is the plain health and metrics server of the background
// binaries.
package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *http.ServeMux
}

func New() *Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return &Server{Mux: m}
}

// NewOps mounts /healthz, /readyz and /metrics on one mux.
func NewOps(readyTimeout time.Duration, checks ...ReadyzCheck) *Server {
	s := New()
	s.Mux.Handle("/healthz", Healthz())
	s.Mux.Handle("/readyz", Readyz(readyTimeout, checks...))
	return s
}

func (s *Server) Handler() http.Handler { return Logging(s.Mux) }
