package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/im2-registry/internal/app"
	httpx "github.com/yungbote/im2-registry/internal/http"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	a.Start()

	srv := httpx.NewServer(a.Router)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(":" + a.Cfg.Port)
	}()
	a.Log.Info("Registry listening", "port", a.Cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			a.Log.Error("Server failed", "error", err)
			a.Close()
			os.Exit(1)
		}
	case sig := <-stop:
		a.Log.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("Graceful shutdown incomplete", "error", err)
		}
		cancel()
	}

	a.Close()
}
