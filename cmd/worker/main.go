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
	"opsync/internal/jobs"
	"opsync/internal/logging"
	"opsync/internal/notify"
	"opsync/internal/observability"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/scheduler"
	"opsync/internal/store/pg"
	"opsync/internal/tenant"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenPool(ctx, cfg.Common)
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	coord, err := app.NewCoordination(ctx, cfg.RedisAddr, logger)
	if err != nil {
		slog.Error("worker redis connect failed", "err", err)
		os.Exit(1)
	}
	defer coord.Close()

	observability.Register(prometheus.DefaultRegisterer)

	disp := dispatch.New(logger)
	scopes, err := app.NewScopes(db, cfg.Common, app.NewRegistry(), disp, logger)
	if err != nil {
		slog.Error("worker scope setup failed", "err", err)
		os.Exit(1)
	}
	ndrSvc := app.NewNDR(cfg.NDR, coord.Locks)
	outbox := &notify.Outbox{
		Senders:      senders(cfg.Notify, logger),
		Templates:    notify.DefaultTemplates(),
		CallbackBase: cfg.CallbackBase,
	}

	exec := &tenant.Executor{
		Directory: pg.NewDirectory(db),
		Scopes:    scopes,
		Units: jobs.Units(jobs.Deps{
			Dispatcher: disp,
			NDR:        ndrSvc,
			Applier:    &inbound.Applier{NDR: ndrSvc},
			Outbox:     outbox,
		}),
		Parallelism: cfg.TenantParallelism,
		Logger:      logger,
	}

	argDefaults := jobs.ArgDefaults{
		OrderLookback: time.Duration(cfg.OrderSyncLookbackHours) * time.Hour,
		StaleAfter:    time.Duration(cfg.TrackingStaleAfterHours) * time.Hour,
		RetentionDays: cfg.CleanupRetentionDays,
	}
	sched := &scheduler.Scheduler{
		Runner:    exec,
		Schedules: schedules(cfg, argDefaults),
		Grace:     cfg.SchedulerShutdownGrace,
		Logger:    logger,
	}

	checks := []httpapi.ReadyzCheck{
		httpapi.Check("postgres", func(c context.Context) error { return db.Ping(c) }),
		httpapi.Check("redis", coord.Check),
	}

	// Optional on-demand job queue fed by the API.
	var consumer *sqsqueue.Consumer[sqsqueue.JobRequest]
	if cfg.JobQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("worker sqs client init failed", "err", err)
			os.Exit(1)
		}
		consumer = &sqsqueue.Consumer[sqsqueue.JobRequest]{
			SQS:               sqsClient,
			QueueURL:          cfg.JobQueueURL,
			Logger:            logger,
			WaitTimeSeconds:   cfg.WaitTime,
			MaxMessages:       cfg.MaxMsgs,
			VisibilityTimeout: cfg.VizTimeout,
		}
		checks = append(checks, httpapi.Check("job_queue", awsutil.QueueCheck(sqsClient, cfg.JobQueueURL)))
	}

	// health server (liveness + readiness + metrics)
	ops := httpapi.NewOps(2*time.Second, checks...)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: ops.Handler()}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- sched.Run(ctx)
	}()

	pollErrCh := make(chan error, 1)
	if consumer != nil {
		go func() {
			slog.Info("worker starting job poll", "queue_url", cfg.JobQueueURL)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.Concurrency, jobs.RequestHandler(exec, logger))
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-schedErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker scheduler failed", "err", err)
			os.Exit(1)
		}
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	// The scheduler honours its own grace period for in-flight units.
	select {
	case <-schedErrCh:
	case <-time.After(cfg.SchedulerShutdownGrace + 5*time.Second):
		slog.Info("worker shutdown timeout waiting for scheduler")
	}
	if consumer != nil {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("worker shutdown timeout waiting for poll loop")
		}
	}
}

func schedules(cfg config.WorkerConfig, defaults jobs.ArgDefaults) []scheduler.Schedule {
	byName := cfg.Schedules()
	out := make([]scheduler.Schedule, 0, len(domain.AllJobKinds))
	for _, kind := range domain.AllJobKinds {
		ks := byName[string(kind)]
		sch := scheduler.Schedule{
			Kind:       kind,
			Enabled:    ks.Enabled,
			Interval:   ks.Interval,
			RunOnStart: cfg.RunOnStart,
			Args: func(now time.Time) domain.JobArgs {
				return defaults.Args(kind, now, domain.JobArgs{})
			},
		}
		if kind == domain.JobDataCleanup {
			sch.DailyAt = cfg.CleanupDailyAt
		}
		out = append(out, sch)
	}
	return out
}

// senders registers a sender per channel whose provider is configured.
func senders(cfg config.Notify, logger *slog.Logger) map[domain.NotificationChannel]notify.Sender {
	out := map[domain.NotificationChannel]notify.Sender{}
	if cfg.TwilioAccountSID != "" {
		tw := &notify.Twilio{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			HTTP:                &http.Client{Timeout: 8 * time.Second},
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			FromNumber:          cfg.TwilioFromNumber,
			WhatsAppFrom:        cfg.TwilioWhatsAppFrom,
			BaseURL:             cfg.TwilioBaseURL,
		}
		out[domain.ChannelSMS] = tw
		out[domain.ChannelWhatsApp] = tw
	} else {
		logger.Warn("twilio not configured, sms and whatsapp notifications will fail")
	}
	if cfg.SendGridAPIKey != "" {
		sg := notify.NewSendGrid(cfg.SendGridAPIKey, cfg.SendGridFromEmail, cfg.SendGridFromName)
		if cfg.SendGridHost != "" {
			sg.Host = cfg.SendGridHost
		}
		out[domain.ChannelEmail] = sg
	} else {
		logger.Warn("sendgrid not configured, email notifications will fail")
	}
	return out
}
