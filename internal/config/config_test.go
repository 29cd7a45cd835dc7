package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAPIDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/tasknotif")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/notifications")
	t.Setenv("DND_TIMEZONE", "Asia/Shanghai")

	cfg := LoadAPI()
	if cfg.Port != "8080" || cfg.MaxAttempts != 3 || cfg.BaseDelay != time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RetentionPeriod != 30*24*time.Hour || cfg.Lookback != 24*time.Hour {
		t.Fatalf("retention=%s lookback=%s", cfg.RetentionPeriod, cfg.Lookback)
	}
	if got := cfg.Location().String(); got != "Asia/Shanghai" {
		t.Fatalf("location = %s", got)
	}
}

func TestLoadWorkerRequiresDSN(t *testing.T) {
	t.Setenv("DB_DSN", "unused")
	os.Unsetenv("DB_DSN")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("SQS_QUEUE_URL", "http://q")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on missing DB_DSN")
		}
	}()
	LoadWorker()
}

func TestLocationFallsBackToUTC(t *testing.T) {
	if got := (FanoutConfig{DNDTimezone: "Mars/Olympus"}).Location(); got != time.UTC {
		t.Fatalf("location = %s", got)
	}
}
