package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/im2-registry/internal/data/db"
	jobsrepo "github.com/yungbote/im2-registry/internal/data/repos/jobs"
	"github.com/yungbote/im2-registry/internal/events"
	"github.com/yungbote/im2-registry/internal/observability"
	"github.com/yungbote/im2-registry/internal/platform/envutil"
	"github.com/yungbote/im2-registry/internal/platform/logger"
	"github.com/yungbote/im2-registry/internal/registry"
	"github.com/yungbote/im2-registry/internal/worker"
)

// Reference worker: polls the registry's store directly and walks jobs
// with echo stages. Real engines replace the Register calls with their
// own StageFuncs, or talk to the HTTP API from another process entirely.
func main() {
	log, err := logger.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	store, err := db.NewService(log)
	if err != nil {
		log.Error("store init failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
	theDB := store.DB()

	spec, err := worker.LoadSpec()
	if err != nil {
		log.Error("pipeline spec load failed", "error", err)
		log.Sync()
		os.Exit(1)
	}

	metrics := observability.Init(log)
	bus := observability.InstrumentBus(metrics, events.New(log))

	jobs := jobsrepo.NewJobRepo(theDB, log)
	history := jobsrepo.NewHistoryRepo(theDB, log)
	pause := registry.NewPauseController(log, bus, envutil.Bool("PAUSED_ON_START", false))
	var inst registry.Instruments
	if metrics != nil {
		inst = metrics
	}
	svc := registry.NewService(theDB, log, jobs, history, bus, pause, inst, registry.Config{})

	runner := worker.NewRunner(svc, log, metrics, spec)
	for _, st := range spec.Stages {
		if err := runner.Register(st.To, worker.EchoStage(st.To)); err != nil {
			log.Error("stage registration failed", "stage", st.To, "error", err)
			log.Sync()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Track pause flips published by the registry API.
	if err := bus.Subscribe(ctx, events.TopicSystem, func(ev events.Event) {
		switch ev.Event {
		case events.EventPaused:
			pause.Follow(true)
		case events.EventResumed:
			pause.Follow(false)
		}
	}); err != nil {
		log.Warn("system topic subscribe failed", "error", err)
	}

	if metrics != nil {
		metrics.StartServer(ctx, log, envutil.Str("METRICS_ADDR", ":9091"))
		metrics.StartDBCollector(ctx, log, theDB)
	}

	runner.Start(ctx)
	log.Info("Worker running", "stages", len(spec.Stages))

	<-ctx.Done()
	log.Info("Worker stopped")
	_ = bus.Close()
	log.Sync()
}
