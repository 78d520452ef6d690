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
	"opsync/internal/jobs"
	"opsync/internal/logging"
	"opsync/internal/observability"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/shipping"
	"opsync/internal/store/pg"
	"opsync/internal/tenant"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenPool(ctx, cfg.Common)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	coord, err := app.NewCoordination(ctx, cfg.RedisAddr, logger)
	if err != nil {
		slog.Error("api redis connect failed", "err", err)
		os.Exit(1)
	}
	defer coord.Close()

	observability.Register(prometheus.DefaultRegisterer)

	dir := pg.NewDirectory(db)
	disp := dispatch.New(logger)
	scopes, err := app.NewScopes(db, cfg.Common, app.NewRegistry(), disp, logger)
	if err != nil {
		slog.Error("api scope setup failed", "err", err)
		os.Exit(1)
	}
	ndrSvc := app.NewNDR(cfg.NDR, coord.Locks)

	cmds := &httpserver.Commands{
		Directory:  dir,
		Scopes:     scopes,
		NDR:        ndrSvc,
		Dispatcher: disp,
		Shipping:   shipping.NewService(dir, coord.Locks),
		JobArgs: jobs.ArgDefaults{
			OrderLookback: time.Duration(cfg.OrderSyncLookbackHours) * time.Hour,
			StaleAfter:    time.Duration(cfg.TrackingStaleAfterHours) * time.Hour,
			RetentionDays: cfg.CleanupRetentionDays,
		},
		InlineTimeout: cfg.InlineSyncTimeout,
	}

	checks := []httpapi.ReadyzCheck{
		httpapi.Check("postgres", func(c context.Context) error { return db.Ping(c) }),
		httpapi.Check("redis", coord.Check),
	}
	if cfg.JobQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		cmds.Jobs = sqsqueue.NewJobProducer(sqsClient, cfg.JobQueueURL)
		checks = append(checks, httpapi.Check("job_queue", awsutil.QueueCheck(sqsClient, cfg.JobQueueURL)))
	} else {
		// Without a queue, sync requests run here. Notification sends are
		// left to the worker, which owns the provider credentials.
		logger.Info("SQS_JOB_QUEUE_URL not set, running sync requests inline")
		units := jobs.Units(jobs.Deps{
			Dispatcher: disp,
			NDR:        ndrSvc,
			Applier:    &inbound.Applier{NDR: ndrSvc},
		})
		cmds.Executor = &tenant.Executor{Directory: dir, Scopes: scopes, Units: units, Logger: logger}
	}

	s := httpserver.New(2*time.Second, checks...)
	cmds.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
