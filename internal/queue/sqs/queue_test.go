package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	pending []types.Message
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: str(handle), Body: str(body)}
}

func TestInboundProducerFIFOGrouping(t *testing.T) {
	api := &fakeSQS{}
	p := NewInboundProducer(api, "https://sqs.local/000/inbound.fifo")
	ev := domain.InboundEvent{
		ID: "evt-1", Platform: "delhivery", Kind: domain.InboundNDR,
		NDR: &domain.NdrSignal{AWB: "AWB1"},
	}
	require.NoError(t, p.Submit(context.Background(), ev))

	require.Len(t, api.sent, 1)
	in := api.sent[0]
	assert.Equal(t, "delhivery:AWB1", *in.MessageGroupId)
	assert.Equal(t, "delhivery:evt-1", *in.MessageDeduplicationId)

	var got domain.InboundEvent
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &got))
	assert.Equal(t, "AWB1", got.AWB())
}

func TestStandardQueueOmitsGroup(t *testing.T) {
	api := &fakeSQS{}
	p := NewJobProducer(api, "https://sqs.local/000/jobs")
	req := JobRequest{Kind: domain.JobOrderSync, TenantID: "t1", RequestedAt: time.Now()}
	require.NoError(t, p.EnqueueJob(context.Background(), req))

	require.Len(t, api.sent, 1)
	assert.Nil(t, api.sent[0].MessageGroupId)
	assert.Nil(t, api.sent[0].MessageDeduplicationId)
}

func TestPollConcurrentDeletesOnlyHandled(t *testing.T) {
	api := &fakeSQS{pending: []types.Message{
		msg("ok", `{"kind":"order_sync","tenantId":"t1"}`),
		msg("fail", `{"kind":"order_sync","tenantId":"t2"}`),
		msg("garbage", `{not json`),
	}}
	c := &Consumer[JobRequest]{SQS: api, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(_ context.Context, req JobRequest) error {
			mu.Lock()
			seen = append(seen, req.TenantID)
			mu.Unlock()
			if req.TenantID == "t2" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && len(api.deletedHandles()) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ElementsMatch(t, []string{"ok", "garbage"}, api.deletedHandles())
}
