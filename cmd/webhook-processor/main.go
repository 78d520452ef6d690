package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"opsync/internal/app"
	"opsync/internal/awsutil"
	"opsync/internal/config"
	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/httpapi"
	"opsync/internal/inbound"
	"opsync/internal/logging"
	"opsync/internal/observability"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	logger := logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.InboundQueueURL == "" {
		slog.Error("webhook-processor needs SQS_INBOUND_QUEUE_URL")
		os.Exit(1)
	}

	db, err := app.OpenPool(ctx, cfg.Common)
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	coord, err := app.NewCoordination(ctx, cfg.RedisAddr, logger)
	if err != nil {
		slog.Error("webhook-processor redis connect failed", "err", err)
		os.Exit(1)
	}
	defer coord.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	scopes, err := app.NewScopes(db, cfg.Common, app.NewRegistry(), dispatch.New(logger), logger)
	if err != nil {
		slog.Error("webhook-processor scope setup failed", "err", err)
		os.Exit(1)
	}
	proc := &inbound.Processor{
		Directory: pg.NewDirectory(db),
		Scopes:    scopes,
		Applier:   &inbound.Applier{NDR: app.NewNDR(cfg.NDR, coord.Locks)},
		Guard:     coord.Guard(cfg.ReplayTTL),
		Logger:    logger,
	}

	consumer := &sqsqueue.Consumer[domain.InboundEvent]{
		SQS:               sqsClient,
		QueueURL:          cfg.InboundQueueURL,
		Logger:            logger,
		WaitTimeSeconds:   cfg.WaitTime,
		MaxMessages:       cfg.MaxMsgs,
		VisibilityTimeout: cfg.VizTimeout,
	}

	// health server (liveness + readiness + metrics)
	ops := httpapi.NewOps(2*time.Second,
		httpapi.Check("postgres", func(c context.Context) error { return db.Ping(c) }),
		httpapi.Check("redis", coord.Check),
		httpapi.Check("inbound_queue", awsutil.QueueCheck(sqsClient, cfg.InboundQueueURL)),
	)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: ops.Handler()}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// start polling; a failed apply leaves the message for SQS redrive
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.InboundQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.Concurrency, func(ctx context.Context, ev domain.InboundEvent) error {
			dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return proc.Submit(dbCtx, ev)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}
