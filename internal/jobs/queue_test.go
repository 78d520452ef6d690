package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/store/memstore"
	"opsync/internal/tenant"
	"opsync/internal/tenant/tenanttest"
)

func TestRequestHandlerAcknowledgesEveryOutcome(t *testing.T) {
	dir := memstore.NewDirectory()
	data := dir.AddTenant(domain.Tenant{ID: "tenant_a", PartitionKey: "t_a", Status: domain.TenantActive})
	calls := 0
	exec := &tenant.Executor{
		Directory: dir,
		Scopes:    &tenant.Builder{Partitions: tenanttest.Partitions(dir), Logger: tenanttest.Logger()},
		Units: map[domain.JobKind]tenant.Unit{
			domain.JobWebhookRetry: func(context.Context, *tenant.Scope, domain.JobArgs) (domain.UnitCounts, error) {
				calls++
				if calls == 2 {
					return domain.UnitCounts{}, errors.New("endpoint down")
				}
				return domain.UnitCounts{Processed: 1}, nil
			},
		},
		Logger: tenanttest.Logger(),
		Now:    func() time.Time { return now },
	}
	h := RequestHandler(exec, tenanttest.Logger())
	req := sqsqueue.JobRequest{Kind: domain.JobWebhookRetry, TenantID: "tenant_a", Args: domain.JobArgs{Now: now}}

	require.NoError(t, h(context.Background(), req))
	require.NoError(t, h(context.Background(), req))
	assert.Len(t, data.JobRuns(), 2)

	// Unknown tenants and bad args are dropped, not redelivered.
	assert.NoError(t, h(context.Background(), sqsqueue.JobRequest{Kind: domain.JobWebhookRetry, TenantID: "nobody", Args: domain.JobArgs{Now: now}}))
	assert.NoError(t, h(context.Background(), sqsqueue.JobRequest{Kind: domain.JobWebhookRetry, TenantID: "tenant_a"}))
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h(ctx, req), context.Canceled)
}
