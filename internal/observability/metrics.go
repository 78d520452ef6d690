package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_api_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_job_runs_total", Help: "Per-tenant job runs by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "opsync_job_duration_seconds", Help: "Duration of a full multi-tenant job pass"},
		[]string{"kind"},
	)
	TenantFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_tenant_failures_total", Help: "Tenant units of work that failed or panicked"},
		[]string{"kind"},
	)
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_scheduler_ticks_total", Help: "Scheduler ticks by kind and result"},
		[]string{"kind", "result"},
	)
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_adapter_calls_total", Help: "Platform adapter calls by result"},
		[]string{"platform", "op", "result"},
	)
	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "opsync_adapter_latency_seconds", Help: "Platform adapter call latency including retries"},
		[]string{"platform", "op"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_breaker_transitions_total", Help: "Circuit breaker state changes"},
		[]string{"platform", "to"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_webhook_deliveries_total", Help: "Outbound webhook delivery attempts by result"},
		[]string{"result"},
	)
	InboundWebhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_inbound_webhooks_total", Help: "Inbound platform webhooks by result"},
		[]string{"platform", "result"},
	)
	NdrTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_ndr_transitions_total", Help: "NDR state transitions"},
		[]string{"from", "to"},
	)
	NdrNoCapacity = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opsync_ndr_no_capacity_total", Help: "Assignment passes stopped for lack of agent capacity"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_notifications_total", Help: "Notification sends by channel and result"},
		[]string{"channel", "result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opsync_enqueue_total", Help: "SQS enqueue results"},
		[]string{"queue", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, JobRuns, JobDuration, TenantFailures, SchedulerTicks,
		AdapterCalls, AdapterLatency, BreakerTransitions, WebhookDeliveries,
		InboundWebhooks, NdrTransitions, NdrNoCapacity, Notifications, Enqueues,
	)
}
