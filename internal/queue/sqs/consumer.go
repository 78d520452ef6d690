package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Handler[T any] func(ctx context.Context, msg T) error

// Consumer decodes JSON messages of type T and hands them to a worker pool.
type Consumer[T any] struct {
	SQS      API
	QueueURL string
	Logger   *slog.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes messages with a worker pool until ctx is done.
// Messages are deleted only after the handler succeeds; a handler error
// leaves the message for SQS redrive. Undecodable messages are deleted.
func (c *Consumer[T]) PollConcurrent(ctx context.Context, workers int, handler Handler[T]) error {
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	go func() {
		defer close(msgs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					sendErr(ctx.Err())
					return
				}
				c.logger().Error("sqs receive message failed", "queue_url", c.QueueURL, "err", err)
				sleepContext(ctx, 500*time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case msgs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Workers drain what was already received; the producer closed the channel.
	wg.Wait()
	return err
}

func (c *Consumer[T]) handle(ctx context.Context, m types.Message, handler Handler[T]) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var msg T
	if err := json.Unmarshal([]byte(*m.Body), &msg); err != nil {
		c.logger().Error("sqs message undecodable, dropping", "queue_url", c.QueueURL, "err", err)
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, msg); err != nil {
		c.logger().Error("sqs handler error", "queue_url", c.QueueURL, "err", err)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer[T]) delete(ctx context.Context, m types.Message) {
	// Deletion outlives shutdown so finished work is not redelivered.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.SQS.DeleteMessage(dctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		c.logger().Error("sqs delete message failed", "queue_url", c.QueueURL, "err", err)
	}
}

func (c *Consumer[T]) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
