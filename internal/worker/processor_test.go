package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tasknotif/internal/domain"
	sqsqueue "tasknotif/internal/queue/sqs"
	"tasknotif/internal/retry"
	"tasknotif/internal/store/storetest"
)

var now = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type fakeDelivery struct {
	mu      sync.Mutex
	send    func(req domain.SendRequest) (*domain.Message, error)
	retry   func(id string) (*domain.Message, error)
	retried []string
}

func (f *fakeDelivery) Send(ctx context.Context, req domain.SendRequest) (*domain.Message, error) {
	return f.send(req)
}

func (f *fakeDelivery) RetryMessage(ctx context.Context, id string) (*domain.Message, error) {
	f.mu.Lock()
	f.retried = append(f.retried, id)
	f.mu.Unlock()
	return f.retry(id)
}

type scheduled struct {
	id    string
	delay time.Duration
}

type fakeRetryQueue struct {
	jobs []scheduled
	err  error
}

func (q *fakeRetryQueue) EnqueueRetry(ctx context.Context, id string, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, scheduled{id, delay})
	return nil
}

func failed(id string, retryCount int, kind domain.FailureKind) *domain.Message {
	return &domain.Message{
		ID:                    id,
		Status:                domain.MessageFailed,
		LastError:             "boom",
		FailureKind:           kind,
		RetryCount:            retryCount,
		MaxRetries:            3,
		RelatedNotificationID: "ntf_1",
		UpdatedAt:             now,
	}
}

func newProcessor(d *fakeDelivery, q *fakeRetryQueue, st *storetest.Store) *Processor {
	return &Processor{Delivery: d, Queue: q, Logs: st, Policy: retry.Default(), Now: func() time.Time { return now }}
}

func sendJob() sqsqueue.Job {
	return sqsqueue.Job{Kind: sqsqueue.JobSend, Send: &domain.SendRequest{HookToken: "h", Title: "T", RelatedNotificationID: "ntf_1"}}
}

func TestProcessSendSuccessReconcilesLog(t *testing.T) {
	st := storetest.New()
	q := &fakeRetryQueue{}
	sent := now
	d := &fakeDelivery{send: func(req domain.SendRequest) (*domain.Message, error) {
		return &domain.Message{ID: "msg_1", Status: domain.MessageSuccess, SentAt: &sent, MaxRetries: 3, RelatedNotificationID: req.RelatedNotificationID}, nil
	}}

	if err := newProcessor(d, q, st).Process(context.Background(), sendJob()); err != nil {
		t.Fatal(err)
	}
	l, ok := st.Log("ntf_1", domain.ChannelShihuatong)
	if !ok || l.Status != domain.LogSuccess || l.SentAt == nil {
		t.Fatalf("log = %+v ok=%v", l, ok)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("unexpected retry %v", q.jobs)
	}
}

func TestProcessSendFailureSchedulesRetry(t *testing.T) {
	st := storetest.New()
	q := &fakeRetryQueue{}
	d := &fakeDelivery{send: func(domain.SendRequest) (*domain.Message, error) {
		return failed("msg_1", 0, domain.FailureTransport), nil
	}}

	if err := newProcessor(d, q, st).Process(context.Background(), sendJob()); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || q.jobs[0].id != "msg_1" || q.jobs[0].delay != 60*time.Second {
		t.Fatalf("jobs = %v", q.jobs)
	}
	if l, _ := st.Log("ntf_1", domain.ChannelShihuatong); l.Status != domain.LogFailed || l.Error != "boom" {
		t.Fatalf("log = %+v", l)
	}
}

func TestSettleInlineRetryResult(t *testing.T) {
	st := storetest.New()
	q := &fakeRetryQueue{}
	p := newProcessor(&fakeDelivery{}, q, st)

	p.Settle(context.Background(), failed("msg_2", 1, domain.FailureHTTP))
	if len(q.jobs) != 1 || q.jobs[0].id != "msg_2" || q.jobs[0].delay != 120*time.Second {
		t.Fatalf("jobs = %v", q.jobs)
	}
	if l, ok := st.Log("ntf_1", domain.ChannelShihuatong); !ok || l.Status != domain.LogFailed {
		t.Fatalf("log = %+v ok=%v", l, ok)
	}
}

func TestProcessRetryBackoffGrows(t *testing.T) {
	q := &fakeRetryQueue{}
	d := &fakeDelivery{retry: func(id string) (*domain.Message, error) {
		return failed("msg_3", 2, domain.FailureHTTP), nil
	}}
	job := sqsqueue.Job{Kind: sqsqueue.JobRetry, MessageID: "msg_2"}
	if err := newProcessor(d, q, storetest.New()).Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || q.jobs[0].id != "msg_3" || q.jobs[0].delay != 180*time.Second {
		t.Fatalf("jobs = %v", q.jobs)
	}
}

func TestProcessStopsAtBudget(t *testing.T) {
	q := &fakeRetryQueue{}
	d := &fakeDelivery{retry: func(id string) (*domain.Message, error) {
		return failed("msg_4", 3, domain.FailureTransport), nil
	}}
	job := sqsqueue.Job{Kind: sqsqueue.JobRetry, MessageID: "msg_3"}
	if err := newProcessor(d, q, storetest.New()).Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("retry past budget: %v", q.jobs)
	}
}

func TestProcessConfigurationErrorIsDropped(t *testing.T) {
	st := storetest.New()
	q := &fakeRetryQueue{}
	d := &fakeDelivery{send: func(domain.SendRequest) (*domain.Message, error) {
		return nil, fmt.Errorf("%w: nothing configured", domain.ErrConfiguration)
	}}

	if err := newProcessor(d, q, st).Process(context.Background(), sendJob()); err != nil {
		t.Fatalf("configuration errors must not redrive: %v", err)
	}
	if l, _ := st.Log("ntf_1", domain.ChannelShihuatong); l.Status != domain.LogFailed {
		t.Fatalf("log = %+v", l)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("unexpected retry")
	}
}

func TestProcessInfrastructureErrorRedrives(t *testing.T) {
	d := &fakeDelivery{send: func(domain.SendRequest) (*domain.Message, error) {
		return nil, errors.New("insert message: connection refused")
	}}
	if err := newProcessor(d, &fakeRetryQueue{}, storetest.New()).Process(context.Background(), sendJob()); err == nil {
		t.Fatalf("expected error so SQS redelivers")
	}
}

func TestProcessRetryNoops(t *testing.T) {
	cases := map[string]func(string) (*domain.Message, error){
		"not found": func(string) (*domain.Message, error) { return nil, domain.ErrNotFound },
		"claimed":   func(string) (*domain.Message, error) { return nil, nil },
		"config":    func(string) (*domain.Message, error) { return nil, domain.ErrConfiguration },
	}
	for name, fn := range cases {
		q := &fakeRetryQueue{}
		d := &fakeDelivery{retry: fn}
		err := newProcessor(d, q, storetest.New()).Process(context.Background(), sqsqueue.Job{Kind: sqsqueue.JobRetry, MessageID: "m"})
		if err != nil || len(q.jobs) != 0 {
			t.Errorf("%s: err=%v jobs=%v", name, err, q.jobs)
		}
	}
}

func TestProcessRetryEnqueueFailureIsNotFatal(t *testing.T) {
	q := &fakeRetryQueue{err: errors.New("sqs down")}
	d := &fakeDelivery{send: func(domain.SendRequest) (*domain.Message, error) {
		return failed("msg_1", 0, domain.FailureRejected), nil
	}}
	if err := newProcessor(d, q, storetest.New()).Process(context.Background(), sendJob()); err != nil {
		t.Fatalf("the sweep covers a failed enqueue: %v", err)
	}
}
