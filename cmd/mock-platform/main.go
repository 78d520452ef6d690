// Command mock-platform simulates the commerce channels, couriers and
// messaging provider the engine talks to, plus a signed-webhook receiver
// standing in for a tenant endpoint. Point PLATFORM_ENDPOINTS and
// TWILIO_BASE_URL at it for local runs and load tests.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/config"
	"opsync/internal/dispatch"
	"opsync/internal/httpapi"
	"opsync/internal/idempotency"
	"opsync/internal/logging"
)

type server struct {
	cfg    config.MockPlatformConfig
	logger *slog.Logger
	client *http.Client

	rngMu sync.Mutex
	rng   *rand.Rand

	twilio   *twilioSim
	receiver *dispatch.Receiver
	inbox    *inbox
}

func newServer(cfg config.MockPlatformConfig, logger *slog.Logger) *server {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	s := &server{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		rng:    rand.New(rand.NewSource(seed)),
		inbox:  &inbox{},
	}
	s.twilio = newTwilioSim(s)
	s.receiver = &dispatch.Receiver{
		Secret:    cfg.ReceiverSecret,
		Guard:     idempotency.NewMemory(24 * time.Hour),
		Tolerance: 5 * time.Minute,
	}
	return s
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()

	// Platform APIs go through fault injection; the receiver does not.
	api := r.NewRoute().Subrouter()
	api.Use(s.faults)
	s.registerCouriers(api)
	s.registerChannels(api)
	api.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.twilio.handleSend).Methods(http.MethodPost)

	r.HandleFunc("/receiver", s.handleReceive).Methods(http.MethodPost)
	r.HandleFunc("/receiver/events", s.handleInbox).Methods(http.MethodGet)
	r.Handle("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	return httpapi.Logging(r)
}

func main() {
	cfg := config.LoadMockPlatform()
	logger := logging.Init("mock-platform", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg, logger)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mock platform listening", "port", cfg.Port, "mode", s.cfg.Mode)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock platform server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("mock platform shutdown", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
