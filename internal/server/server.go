package server

import (
	"fmt"
	"time"

	"shellac/config"
	"shellac/internal/handlers"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/gofiber/fiber/v2"
	fiberLogs "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/helmet/v2"
)

// HealthServer is the small HTTP surface each binary exposes for liveness
// probes and operational visibility.
type HealthServer struct {
	FiberApp *fiber.App
	log      logger.Logger
}

func New(cfg config.Config, service string, report handlers.HealthReporter) *HealthServer {
	log := logger.New("server").Function("New")
	log.Info("Initializing health server", "service", service)

	fiberConfig := fiber.Config{
		ServerHeader:          fmt.Sprintf("%s/%s", service, cfg.GeneralVersion),
		AppName:               service,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	}

	if cfg.Environment == "development" {
		log.Info("Enabling development mode")
		fiberConfig.DisableStartupMessage = false
	}

	app := fiber.New(fiberConfig)

	app.Use(fiberLogs.New())

	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	handlers.HealthHandler(app, cfg, service, report)

	return &HealthServer{
		FiberApp: app,
		log:      logger.New("server"),
	}
}

func (s *HealthServer) Listen(port int) error {
	log := s.log.Function("Listen")

	if port == 0 {
		return log.Error(
			"Fatal error: invalid port",
			"port", port,
		)
	}

	log.Info("Starting health server", "port", port)
	return s.FiberApp.Listen(fmt.Sprintf(":%d", port))
}

func (s *HealthServer) Shutdown() error {
	return s.FiberApp.Shutdown()
}
