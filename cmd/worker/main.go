package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"tasknotif/internal/awsutil"
	"tasknotif/internal/config"
	"tasknotif/internal/delivery"
	"tasknotif/internal/httpserver"
	"tasknotif/internal/logging"
	"tasknotif/internal/observability"
	"tasknotif/internal/providers/shihuatong"
	sqsqueue "tasknotif/internal/queue/sqs"
	"tasknotif/internal/retry"
	"tasknotif/internal/store"
	"tasknotif/internal/store/pg"
	workerproc "tasknotif/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.Open(ctx, cfg.DSN, pg.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := awsutil.QueueReachable(sqsClient, cfg.SQSQueueURL)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := queueReady(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	// health server (liveness + readiness)
	healthMux := httpserver.NewRouter(2*time.Second,
		httpserver.ReadyCheck{Name: "db", Probe: st.Ping},
		httpserver.ReadyCheck{Name: "sqs", Probe: queueReady},
	)

	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(healthMux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	deliverySvc := &delivery.Service{
		Store:   st,
		Gateway: &shihuatong.Client{HTTP: &http.Client{Timeout: cfg.HTTPTimeout}},
		Seed: store.IntegrationSeed{
			Name:       cfg.IntegrationName,
			WebhookURL: cfg.WebhookURL,
			AppCode:    cfg.AppCode,
			AppKey:     cfg.AppKey,
			AppSecret:  cfg.AppSecret,
			AESKey:     cfg.AESKey,
			AESIV:      cfg.AESIV,
		},
		Limiter:         rate.NewLimiter(rate.Limit(cfg.RPSPerPod), cfg.Burst),
		Breaker:         delivery.NewBreaker("shihuatong"),
		MaxRetries:      cfg.MaxAttempts,
		HealthHookToken: cfg.HealthHookToken,
	}
	policy := retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay}

	processor := &workerproc.Processor{
		Delivery: deliverySvc,
		Queue:    producer,
		Logs:     st,
		Policy:   policy,
	}
	sweeper := &workerproc.Sweeper{
		Store:        st,
		Delivery:     deliverySvc,
		Logs:         st,
		Policy:       policy,
		Lookback:     cfg.Lookback,
		Batch:        cfg.SweepBatch,
		RetryEvery:   cfg.SweepEvery,
		Retention:    cfg.RetentionPeriod,
		CleanupEvery: cfg.CleanupEvery,
	}
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL, "concurrency", cfg.WorkerConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.Job) (err error) {
			start := time.Now()
			defer func() {
				status := "ok"
				if err != nil {
					status = "error"
				}
				slog.Info("worker job finish",
					"kind", job.Kind,
					"message_id", job.MessageID,
					"status", status,
					"duration", time.Since(start),
					"err", err,
				)
			}()
			return processor.Process(ctx, job)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
	<-sweepDone
}
