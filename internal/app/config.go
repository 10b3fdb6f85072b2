package app

import (
	"time"

	"github.com/yungbote/im2-registry/internal/platform/envutil"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

type Config struct {
	Port        string
	Environment string
	Version     string

	StoreDriver   string
	RedisAddr     string
	PausedOnStart bool

	RequestTimeout time.Duration
	PollInterval   time.Duration
	MaxCandidates  int

	MetricsAddr     string
	OTelServiceName string

	// WorkerEmbedded runs the echo-stage pipeline inside the API process.
	// Local single-binary mode only; production workers are separate.
	WorkerEmbedded bool
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:            envutil.Str("PORT", "8080"),
		Environment:     envutil.Str("APP_ENV", "development"),
		Version:         envutil.Str("APP_VERSION", ""),
		StoreDriver:     envutil.Str("STORE_DRIVER", "postgres"),
		RedisAddr:       envutil.Str("REDIS_ADDR", ""),
		PausedOnStart:   envutil.Bool("PAUSED_ON_START", false),
		RequestTimeout:  envutil.Seconds("REQUEST_TIMEOUT_SECONDS", 10*time.Second),
		PollInterval:    envutil.Seconds("POLL_INTERVAL_SECONDS", 5*time.Second),
		MaxCandidates:   envutil.Int("CANDIDATE_LIMIT_MAX", 100),
		MetricsAddr:     envutil.Str("METRICS_ADDR", ":9090"),
		OTelServiceName: envutil.Str("OTEL_SERVICE_NAME", "im2-registry"),
		WorkerEmbedded:  envutil.Bool("WORKER_EMBEDDED", false),
	}
	log.Info("Configuration loaded",
		"port", cfg.Port,
		"store_driver", cfg.StoreDriver,
		"paused_on_start", cfg.PausedOnStart,
		"worker_embedded", cfg.WorkerEmbedded,
	)
	return cfg
}
