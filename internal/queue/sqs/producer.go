package sqsqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"opsync/internal/domain"
	"opsync/internal/observability"
)

type Producer struct {
	SQS      API
	QueueURL string
	// Name labels the enqueue metric.
	Name string
}

// send marshals v onto the queue. Group and dedup ids apply to FIFO queues only.
func (p *Producer) send(ctx context.Context, v any, groupID, dedupID string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(groupID)
		if dedupID != "" {
			in.MessageDeduplicationId = str(dedupID)
		}
	}
	_, err = p.SQS.SendMessage(ctx, in)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.Enqueues.WithLabelValues(p.Name, result).Inc()
	return err
}

// InboundProducer queues verified inbound events for the webhook processor.
type InboundProducer struct {
	Producer
}

func NewInboundProducer(api API, queueURL string) *InboundProducer {
	return &InboundProducer{Producer{SQS: api, QueueURL: queueURL, Name: "inbound"}}
}

// Submit implements inbound.Sink.
func (p *InboundProducer) Submit(ctx context.Context, ev domain.InboundEvent) error {
	// Events for one shipment stay ordered on FIFO queues.
	group := ev.Platform + ":" + ev.AWB()
	if ev.AWB() == "" {
		group = ev.Platform + ":" + ev.TenantID
	}
	return p.send(ctx, ev, group, ev.Platform+":"+ev.ID)
}

// JobRequest asks the worker to run one kind for one tenant now.
type JobRequest struct {
	Kind        domain.JobKind `json:"kind"`
	TenantID    string         `json:"tenantId"`
	Args        domain.JobArgs `json:"args"`
	RequestedAt time.Time      `json:"requestedAt"`
}

type JobProducer struct {
	Producer
}

func NewJobProducer(api API, queueURL string) *JobProducer {
	return &JobProducer{Producer{SQS: api, QueueURL: queueURL, Name: "jobs"}}
}

func (p *JobProducer) EnqueueJob(ctx context.Context, req JobRequest) error {
	group := req.TenantID + ":" + string(req.Kind)
	return p.send(ctx, req, group, group+":"+strconv.FormatInt(req.RequestedAt.UnixNano(), 10))
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }
