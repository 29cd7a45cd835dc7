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
	"tasknotif/internal/channels"
	"tasknotif/internal/config"
	"tasknotif/internal/delivery"
	"tasknotif/internal/domain"
	"tasknotif/internal/httpserver"
	"tasknotif/internal/logging"
	"tasknotif/internal/observability"
	"tasknotif/internal/providers/shihuatong"
	sqsqueue "tasknotif/internal/queue/sqs"
	"tasknotif/internal/retry"
	"tasknotif/internal/service"
	"tasknotif/internal/store"
	"tasknotif/internal/store/pg"
	workerproc "tasknotif/internal/worker"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Open(ctx, cfg.DSN, pg.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	// Inline retries and health checks call the gateway from the API process.
	gateway := &delivery.Service{
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
		Breaker:         delivery.NewBreaker("shihuatong-api"),
		MaxRetries:      cfg.MaxAttempts,
		HealthHookToken: cfg.HealthHookToken,
	}

	notifications := &service.NotificationService{
		Store:    st,
		Queue:    producer,
		Email:    channels.New(domain.ChannelEmail, cfg.EmailShoutrrrURL),
		SMS:      channels.New(domain.ChannelSMS, cfg.SMSShoutrrrURL),
		Location: cfg.Location(),
	}

	router := httpserver.NewRouter(2*time.Second,
		httpserver.ReadyCheck{Name: "db", Probe: st.Ping},
		httpserver.ReadyCheck{Name: "sqs", Probe: awsutil.QueueReachable(sqsClient, cfg.SQSQueueURL)},
	)
	api := &httpserver.API{
		Notifications: notifications,
		Gateway:       gateway,
		Messages:      st,
		Queue:         producer,
		Settler: &workerproc.Processor{
			Delivery: gateway,
			Queue:    producer,
			Logs:     st,
			Policy:   retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay},
		},
	}
	api.Register(router)
	router.Use(httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.RequestID(httpserver.Logging(httpserver.Recovery(router))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	// Let in-flight channel dispatches write their logs.
	notifications.Wait()
}
