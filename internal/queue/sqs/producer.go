package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"tasknotif/internal/domain"
)

type SendAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer writes jobs to a standard (non-FIFO) queue so per-message delays work.
type Producer struct {
	SQS      SendAPI
	QueueURL string
	Now      func() time.Time
}

func (p *Producer) EnqueueSend(ctx context.Context, req domain.SendRequest) error {
	return p.enqueue(ctx, Job{Kind: JobSend, Send: &req}, 0)
}

// EnqueueRetry schedules a retry of messageID after delay (capped to MaxDelay).
func (p *Producer) EnqueueRetry(ctx context.Context, messageID string, delay time.Duration) error {
	return p.enqueue(ctx, Job{Kind: JobRetry, MessageID: messageID}, delay)
}

func (p *Producer) enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if p.Now != nil {
		job.EnqueuedAt = p.Now().UTC()
	} else {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	if err != nil {
		return fmt.Errorf("sqs send %s job: %w", job.Kind, err)
	}
	return nil
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32((d + time.Second - 1) / time.Second)
}

func str(s string) *string { return &s }
