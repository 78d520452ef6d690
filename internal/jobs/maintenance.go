package jobs

import (
	"context"
	"fmt"
	"time"

	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/ndr"
	"opsync/internal/notify"
	"opsync/internal/tenant"
)

func NdrFollowUp(svc *ndr.Service) tenant.Unit {
	return func(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
		return svc.FollowUp(ctx, sc, args.Limit(defaultNdrBatch))
	}
}

func WebhookRetry(d *dispatch.Dispatcher) tenant.Unit {
	return func(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
		return d.RetryFailedDeliveries(ctx, sc.Data, args.Limit(defaultRetryBatch))
	}
}

func NotificationSend(o *notify.Outbox) tenant.Unit {
	return func(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
		return o.Drain(ctx, sc.TenantID(), sc.Data, sc.Logger, args.Limit(defaultNotificationBatch))
	}
}

// DataCleanup deletes delivered webhook deliveries and job runs older than the
// retention window. Exhausted deliveries stay for operators.
func DataCleanup(ctx context.Context, sc *tenant.Scope, args domain.JobArgs) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	before := args.Now.Add(-time.Duration(args.RetentionDays) * 24 * time.Hour)

	n, err := sc.Data.DeleteDeliveredBefore(ctx, before)
	if err != nil {
		return counts, fmt.Errorf("delete delivered webhooks: %w", err)
	}
	counts.Processed += n
	counts.Updated += n

	n, err = sc.Data.DeleteJobRunsBefore(ctx, before)
	if err != nil {
		return counts, fmt.Errorf("delete job runs: %w", err)
	}
	counts.Processed += n
	counts.Updated += n

	if counts.Updated > 0 {
		sc.Logger.Info("retention cleanup", "before", before, "deleted", counts.Updated)
	}
	return counts, nil
}
