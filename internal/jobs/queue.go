package jobs

import (
	"context"
	"log/slog"

	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/tenant"
)

// RequestHandler runs queued on-demand job requests. The run row is the
// record of the outcome, so failed runs and requests that cannot run are
// logged and acknowledged. Only shutdown leaves the message for redelivery.
func RequestHandler(exec *tenant.Executor, logger *slog.Logger) sqsqueue.Handler[sqsqueue.JobRequest] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req sqsqueue.JobRequest) error {
		log := logger.With("job_kind", req.Kind, "tenant_id", req.TenantID)
		run, err := exec.RunForTenant(ctx, req.Kind, req.TenantID, req.Args)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("queued job did not succeed", "run_id", run.ID, "err", err)
			return nil
		}
		log.Info("queued job finished", "run_id", run.ID, "outcome", run.Outcome,
			"processed", run.Counts.Processed, "duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds())
		return nil
	}
}
