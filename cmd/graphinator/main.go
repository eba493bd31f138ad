package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shellac/config"
	"shellac/internal/broker"
	"shellac/internal/database"
	"shellac/internal/handlers"
	"shellac/internal/models"
	"shellac/internal/server"
	"shellac/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

func main() {
	log := logger.New("main")

	cfg, err := config.New()
	if err != nil {
		os.Exit(1)
	}

	db, err := database.NewGraph(cfg)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Er("failed to close database", err)
		}
	}()

	graphService := services.NewGraphService(&db)
	processor := services.NewBatchProcessor(graphService, cfg.Neo4jBatchSize, "graphinator")

	// Prefetch matches the batch size so the broker never starves a flush
	messageBroker := broker.New(cfg, cfg.Neo4jBatchSize)
	defer func() {
		if err := messageBroker.Close(); err != nil {
			log.Er("failed to close broker", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dataType := range models.AllDataTypes {
		queue := broker.GraphinatorQueue(dataType)
		if err := messageBroker.ConsumeQueue(ctx, queue, dataType, func(delivery broker.Delivery) {
			processor.Handle(ctx, delivery)
		}); err != nil {
			log.Er("failed to start consumer", err, "queue", queue)
			os.Exit(1)
		}
	}

	go processor.Run(ctx)

	healthServer := server.New(cfg, "graphinator", handlers.ConsumerHealth(processor))
	go func() {
		if err := healthServer.Listen(cfg.HealthPort); err != nil {
			log.Er("health server stopped", err)
		}
	}()

	log.Info("Graph consumer running")
	<-ctx.Done()

	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.FiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Er("health server forced to shutdown", err)
	}

	log.Info("Graceful shutdown complete.")
}
