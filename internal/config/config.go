package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DSN               string        `envconfig:"DB_DSN" required:"true"`
	MaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type QueueConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

// GatewayDefaults seed the default integration when the store has none, and
// tune the outbound client.
type GatewayDefaults struct {
	IntegrationName string        `envconfig:"SHT_INTEGRATION_NAME" default:"default"`
	WebhookURL      string        `envconfig:"SHT_WEBHOOK_URL"`
	AppCode         string        `envconfig:"SHT_APP_CODE"`
	AppKey          string        `envconfig:"SHT_APP_KEY"`
	AppSecret       string        `envconfig:"SHT_APP_SECRET"`
	AESKey          string        `envconfig:"SHT_AES_KEY"`
	AESIV           string        `envconfig:"SHT_AES_IV"`
	HTTPTimeout     time.Duration `envconfig:"SHT_HTTP_TIMEOUT" default:"30s"`
	RPSPerPod       float64       `envconfig:"SHT_RPS_PER_POD" default:"5"`
	Burst           int           `envconfig:"SHT_BURST" default:"10"`
	HealthHookToken string        `envconfig:"SHT_HEALTH_HOOK_TOKEN" default:"test"`
}

type RetryConfig struct {
	MaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay       time.Duration `envconfig:"RETRY_BASE_DELAY" default:"60s"`
	Lookback        time.Duration `envconfig:"RETRY_LOOKBACK" default:"24h"`
	SweepEvery      time.Duration `envconfig:"RETRY_SWEEP_EVERY" default:"5m"`
	SweepBatch      int           `envconfig:"RETRY_SWEEP_BATCH" default:"100"`
	RetentionPeriod time.Duration `envconfig:"RETENTION_PERIOD" default:"720h"`
	CleanupEvery    time.Duration `envconfig:"CLEANUP_EVERY" default:"24h"`
}

type FanoutConfig struct {
	DNDTimezone      string `envconfig:"DND_TIMEZONE" default:"UTC"`
	EmailShoutrrrURL string `envconfig:"EMAIL_SHOUTRRR_URL"`
	SMSShoutrrrURL   string `envconfig:"SMS_SHOUTRRR_URL"`
}

// Shared blocks are embedded so envconfig reads their keys unprefixed.
type APIConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConfig
	QueueConfig
	GatewayDefaults
	RetryConfig
	FanoutConfig
}

type WorkerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConfig
	QueueConfig
	GatewayDefaults
	RetryConfig

	SQSWaitTime       int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs        int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout     int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"90"`
	WorkerConcurrency int   `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

type MockGatewayConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	AppCode   string `envconfig:"SHT_APP_CODE" default:"mock_app"`
	AppKey    string `envconfig:"SHT_APP_KEY" default:"mock_key"`
	AppSecret string `envconfig:"SHT_APP_SECRET" default:"mock_secret"`
	AESKey    string `envconfig:"SHT_AES_KEY" required:"true"`
	AESIV     string `envconfig:"SHT_AES_IV" required:"true"`

	OutcomeMode    string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	Outcomes       string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate    float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeights string        `envconfig:"MOCK_FAILURE_WEIGHTS" default:"reject:1"`
	Delay          time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay   time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"35s"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockGateway() MockGatewayConfig {
	var cfg MockGatewayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Location resolves DND_TIMEZONE, falling back to UTC on an unknown zone.
func (f FanoutConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(f.DNDTimezone); err == nil {
		return loc
	}
	return time.UTC
}
