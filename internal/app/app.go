package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/im2-registry/internal/data/db"
	jobsrepo "github.com/yungbote/im2-registry/internal/data/repos/jobs"
	"github.com/yungbote/im2-registry/internal/events"
	"github.com/yungbote/im2-registry/internal/observability"
	"github.com/yungbote/im2-registry/internal/platform/logger"
	"github.com/yungbote/im2-registry/internal/registry"
	"github.com/yungbote/im2-registry/internal/worker"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Registry registry.Service
	Bus      events.Bus
	Metrics  *observability.Metrics

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	log, err := logger.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	store, err := db.NewService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("store automigrate: %w", err)
	}
	theDB := store.DB()

	metrics := observability.Init(log)
	bus := observability.InstrumentBus(metrics, events.New(log))

	jobs := jobsrepo.NewJobRepo(theDB, log)
	history := jobsrepo.NewHistoryRepo(theDB, log)
	pause := registry.NewPauseController(log, bus, cfg.PausedOnStart)

	svc := registry.NewService(theDB, log, jobs, history, bus, pause, instruments(metrics), registry.Config{
		RequestTimeout: cfg.RequestTimeout,
		MaxCandidates:  cfg.MaxCandidates,
		PollInterval:   cfg.PollInterval,
	})

	handlers := wireHandlers(log, svc, theDB)
	router := wireRouter(log, cfg, metrics, handlers)

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Registry: svc,
		Bus:      bus,
		Metrics:  metrics,
	}, nil
}

// Start launches the background pieces: tracing, the metrics listener and
// collectors, and (when configured) the embedded echo worker.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: a.Cfg.OTelServiceName,
		Environment: a.Cfg.Environment,
		Version:     a.Cfg.Version,
	})

	if a.Metrics != nil {
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		a.Metrics.StartDBCollector(ctx, a.Log, a.DB)
		a.Metrics.StartStageDepthCollector(ctx, a.Log, a.DB)
		a.Metrics.StartRedisCollector(ctx, a.Log, a.Cfg.RedisAddr)
	}

	if a.Cfg.WorkerEmbedded {
		a.startEmbeddedWorker(ctx)
	}
}

func (a *App) startEmbeddedWorker(ctx context.Context) {
	spec, err := worker.LoadSpec()
	if err != nil {
		a.Log.Warn("embedded worker disabled: pipeline spec load failed", "error", err)
		return
	}
	runner := worker.NewRunner(a.Registry, a.Log, a.Metrics, spec)
	for _, st := range spec.Stages {
		if err := runner.Register(st.To, worker.EchoStage(st.To)); err != nil {
			a.Log.Warn("embedded worker stage registration failed", "stage", st.To, "error", err)
		}
	}
	runner.Start(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(shutdownCtx)
		cancel()
		a.otelShutdown = nil
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func instruments(m *observability.Metrics) registry.Instruments {
	if m == nil {
		return nil
	}
	return m
}
