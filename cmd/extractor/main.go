package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shellac/internal/app"
	"shellac/internal/handlers"
	"shellac/internal/server"

	logger "github.com/Bparsons0904/goLogger"
)

func main() {
	log := logger.New("main")

	app, err := app.New()
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Er("failed to close app", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthServer := server.New(
		app.Config,
		"extractor",
		handlers.ExtractionHealth(app.ProgressTracker),
	)
	go func() {
		if err := healthServer.Listen(app.Config.HealthPort); err != nil {
			log.Er("health server stopped", err)
		}
	}()

	if err := app.SchedulerService.Start(ctx); err != nil {
		log.Er("failed to start scheduler", err)
	}

	if err := app.OrchestratorService.Run(ctx); err != nil && ctx.Err() == nil {
		log.Er("orchestrator exited with error", err)
	}

	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.FiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Er("health server forced to shutdown", err)
	}

	log.Info("Graceful shutdown complete.")
}
