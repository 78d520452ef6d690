package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsync/internal/app"
	"opsync/internal/awsutil"
	"opsync/internal/config"
	"opsync/internal/dispatch"
	"opsync/internal/httpapi"
	"opsync/internal/httpserver"
	"opsync/internal/inbound"
	"opsync/internal/logging"
	"opsync/internal/notify"
	"opsync/internal/observability"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logger := logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenPool(ctx, cfg.Common)
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	courierSecrets, err := cfg.CourierSecrets()
	if err != nil {
		slog.Error("webhook config invalid", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dir := pg.NewDirectory(db)
	reg := app.NewRegistry()
	disp := dispatch.New(logger)
	scopes, err := app.NewScopes(db, cfg.Common, reg, disp, logger)
	if err != nil {
		slog.Error("webhook scope setup failed", "err", err)
		os.Exit(1)
	}

	checks := []httpapi.ReadyzCheck{httpapi.Check("postgres", func(c context.Context) error { return db.Ping(c) })}

	// Events go to the inbound queue when one is configured, otherwise they
	// are applied on the request.
	var sink inbound.Sink
	var coord *app.Coordination
	if cfg.InboundQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("webhook sqs client init failed", "err", err)
			os.Exit(1)
		}
		sink = sqsqueue.NewInboundProducer(sqsClient, cfg.InboundQueueURL)
		checks = append(checks, httpapi.Check("inbound_queue", awsutil.QueueCheck(sqsClient, cfg.InboundQueueURL)))
	} else {
		coord, err = app.NewCoordination(ctx, cfg.RedisAddr, logger)
		if err != nil {
			slog.Error("webhook redis connect failed", "err", err)
			os.Exit(1)
		}
		defer coord.Close()
		checks = append(checks, httpapi.Check("redis", coord.Check))
		ndrSvc := app.NewNDR(cfg.NDR, coord.Locks)
		logger.Info("SQS_INBOUND_QUEUE_URL not set, applying inbound events inline")
		sink = &inbound.Processor{
			Directory: dir,
			Scopes:    scopes,
			Applier:   &inbound.Applier{NDR: ndrSvc},
			Guard:     coord.Guard(cfg.ReplayTTL),
			Logger:    logger,
		}
	}

	s := httpserver.New(2*time.Second, checks...)
	(&httpserver.Webhooks{
		Directory:      dir,
		Scopes:         scopes,
		Registry:       reg,
		CourierSecrets: courierSecrets,
		Sink:           sink,
		Logger:         logger,
	}).Register(s.Mux)
	(&httpserver.ProviderCallbacks{
		Directory:       dir,
		Scopes:          scopes,
		VerifySignature: notify.VerifyTwilioSignature,
		AuthToken:       cfg.TwilioAuthToken,
		PublicURL:       cfg.PublicWebhookURL,
	}).Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
