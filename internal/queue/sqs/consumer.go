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

type ReceiveAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Consumer struct {
	SQS      ReceiveAPI
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Handler errors leave the message on the queue for redelivery.
type Handler func(ctx context.Context, job Job) error

func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, ok := c.receive(ctx)
		if !ok {
			continue
		}
		for _, m := range msgs {
			c.handle(ctx, m, handler)
		}
	}
}

// PollConcurrent processes messages with a worker pool. Messages are deleted only after handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		return c.Poll(ctx, handler)
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			msgs, ok := c.receive(ctx)
			if !ok {
				continue
			}
			for _, m := range msgs {
				select {
				case jobs <- m:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	err := <-errCh
	// Let workers drain what was already handed out.
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context) ([]types.Message, bool) {
	out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.QueueURL,
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("sqs receive message failed", "err", err)
			time.Sleep(500 * time.Millisecond)
		}
		return nil, false
	}
	return out.Messages, true
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil || (job.Kind != JobSend && job.Kind != JobRetry) {
		// Poison payload: drop it rather than redrive forever.
		slog.Error("sqs dropping undecodable job", "message_id", deref(m.MessageId), "err", err)
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, job); err != nil {
		slog.Error("sqs handler error", "kind", job.Kind, "err", err)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	// Detached from ctx: a finished job must not be redelivered after shutdown.
	_, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
