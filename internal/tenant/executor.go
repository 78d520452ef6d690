package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"opsync/internal/domain"
	"opsync/internal/observability"
	"opsync/internal/store"
	"opsync/internal/util"
)

// Unit is one job kind's body for a single tenant.
type Unit func(ctx context.Context, sc *Scope, args domain.JobArgs) (domain.UnitCounts, error)

type Executor struct {
	Directory store.TenantDirectory
	Scopes    ScopeBuilder
	Units     map[domain.JobKind]Unit
	// Parallelism bounds concurrent tenants; 1 runs them in directory order.
	Parallelism int
	Logger      *slog.Logger
	Now         func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return util.NowUTC()
}

func (e *Executor) unit(kind domain.JobKind, args domain.JobArgs) (Unit, error) {
	u, ok := e.Units[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no unit registered for %s", domain.ErrInvalidJobArgs, kind)
	}
	if err := args.Validate(kind); err != nil {
		return nil, err
	}
	return u, nil
}

// RunForAllTenants runs kind once per active tenant. One tenant's failure or
// panic is recorded and the remaining tenants still run. The returned error
// is reserved for bad arguments and an unreadable tenant directory.
func (e *Executor) RunForAllTenants(ctx context.Context, kind domain.JobKind, args domain.JobArgs) (domain.JobSummary, error) {
	start := time.Now()
	sum := domain.JobSummary{Kind: kind}
	u, err := e.unit(kind, args)
	if err != nil {
		return sum, err
	}
	tenants, err := e.Directory.ListActiveTenants(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active tenants: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	limit := e.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			run := e.runOne(ctx, kind, u, t, args)
			mu.Lock()
			defer mu.Unlock()
			sum.TenantsProcessed++
			sum.ItemsChanged += run.Counts.Updated
			sum.ItemsErrored += run.Counts.Errored
			if run.Error != "" {
				sum.TenantsFailed++
				sum.FailedTenants = append(sum.FailedTenants, t.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.Duration = time.Since(start)

	e.logger().Info("job finished",
		"job_kind", kind,
		"tenants", sum.TenantsProcessed,
		"tenants_failed", sum.TenantsFailed,
		"items_changed", sum.ItemsChanged,
		"items_errored", sum.ItemsErrored,
		"duration_ms", sum.Duration.Milliseconds(),
	)
	return sum, ctx.Err()
}

// RunForTenant runs kind for one tenant, e.g. an operator's "sync now".
func (e *Executor) RunForTenant(ctx context.Context, kind domain.JobKind, tenantID string, args domain.JobArgs) (domain.JobRun, error) {
	u, err := e.unit(kind, args)
	if err != nil {
		return domain.JobRun{}, err
	}
	t, err := e.Directory.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.JobRun{}, err
	}
	if !t.Active() {
		return domain.JobRun{}, fmt.Errorf("%w: %s", domain.ErrTenantSuspended, tenantID)
	}
	run := e.runOne(ctx, kind, u, t, args)
	if run.Error != "" {
		return run, errors.New(run.Error)
	}
	return run, nil
}

func (e *Executor) runOne(ctx context.Context, kind domain.JobKind, u Unit, t domain.Tenant, args domain.JobArgs) domain.JobRun {
	ctx, span := observability.Tracer().Start(ctx, "job."+string(kind))
	span.SetAttributes(attribute.String("tenant_id", t.ID))
	defer span.End()

	run := domain.JobRun{
		ID:        util.NewID("run"),
		Kind:      kind,
		TenantID:  t.ID,
		StartedAt: e.now(),
	}
	log := e.logger().With("tenant_id", t.ID, "job_kind", kind)

	sc, err := e.Scopes.Build(ctx, t)
	if err == nil {
		sc.Logger = sc.Logger.With("job_kind", kind)
		run.Counts, err = safeRun(ctx, u, sc, args)
	}

	run.FinishedAt = e.now()
	if err != nil {
		run.Outcome = domain.OutcomeFailed
		run.Error = err.Error()
		observability.TenantFailures.WithLabelValues(string(kind)).Inc()
		log.Error("tenant unit failed", "err", err)
	} else {
		run.Outcome = run.Counts.Outcome()
	}
	observability.JobRuns.WithLabelValues(string(kind), string(run.Outcome)).Inc()
	observability.JobDuration.WithLabelValues(string(kind)).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	if sc != nil {
		// Recorded even when ctx is done so shutdown leaves a trace.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := sc.Data.InsertJobRun(wctx, run); err != nil {
			log.Error("record job run", "err", err)
		}
		cancel()
	}
	return run
}

// safeRun contains a panic inside one tenant's unit.
func safeRun(ctx context.Context, u Unit, sc *Scope, args domain.JobArgs) (counts domain.UnitCounts, err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.Logger.Error("tenant unit panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u(ctx, sc, args)
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
