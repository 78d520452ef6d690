package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/httpapi"
	"opsync/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request logging, route metrics and the health
// endpoints already mounted.
func New(readyTimeout time.Duration, checks ...httpapi.ReadyzCheck) *Server {
	m := mux.NewRouter()
	m.Use(Logging, Metrics(observability.APIRequests))
	m.HandleFunc("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	m.HandleFunc("/readyz", httpapi.Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return &Server{Mux: m}
}
