package app

import (
	"context"

	"shellac/config"
	"shellac/internal/broker"
	"shellac/internal/database"
	"shellac/internal/events"
	"shellac/internal/jobs"
	"shellac/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

// App wires the extractor binary: snapshot discovery, download, extraction,
// and the periodic cleanup scheduler.
type App struct {
	Database database.DB
	EventBus *events.EventBus
	Broker   *broker.Broker
	Config   config.Config

	// Services
	CatalogService      *services.CatalogService
	DownloadService     *services.DownloadService
	ExtractorService    *services.ExtractorService
	OrchestratorService *services.OrchestratorService
	FileCleanupService  *services.FileCleanupService
	SchedulerService    *services.SchedulerService
	ProgressTracker     *services.ProgressTracker
}

func New() (*App, error) {
	log := logger.New("app").Function("New")

	config, err := config.New()
	if err != nil {
		return &App{}, log.Err("failed to initialize config", err)
	}

	db, err := database.NewEventsOnly(config)
	if err != nil {
		return &App{}, log.Err("failed to create database", err)
	}

	eventBus := events.New(db.Cache.Events, config)

	messageBroker := broker.New(config, 0)

	// Initialize services
	tracker := services.NewProgressTracker()
	parser := services.NewXMLParserService()
	catalogService := services.NewCatalogService(config)
	downloadService := services.NewDownloadService(config, eventBus)
	extractorService := services.NewExtractorService(config, parser, messageBroker, tracker)
	orchestratorService := services.NewOrchestratorService(
		config,
		catalogService,
		downloadService,
		extractorService,
		tracker,
	)
	fileCleanupService := services.NewFileCleanupService(config)
	schedulerService := services.NewSchedulerService()

	// Register jobs with scheduler if enabled
	if config.SchedulerEnabled {
		cleanupJob := jobs.NewFileCleanupJob(fileCleanupService, services.Daily)
		if err := schedulerService.AddJob(cleanupJob); err != nil {
			return &App{}, log.Err("failed to register snapshot cleanup job", err)
		}
		log.Info("Registered snapshot cleanup job with scheduler")
	}

	app := &App{
		Database:            db,
		EventBus:            eventBus,
		Broker:              messageBroker,
		Config:              config,
		CatalogService:      catalogService,
		DownloadService:     downloadService,
		ExtractorService:    extractorService,
		OrchestratorService: orchestratorService,
		FileCleanupService:  fileCleanupService,
		SchedulerService:    schedulerService,
		ProgressTracker:     tracker,
	}

	if err := app.validate(); err != nil {
		return &App{}, log.Err("failed to validate app", err)
	}

	return app, nil
}

func (a *App) validate() error {
	log := logger.New("app").Function("validate")

	if a.Config == (config.Config{}) {
		return log.ErrMsg("config is nil")
	}

	nilChecks := []any{
		a.Broker,
		a.EventBus,
		a.CatalogService,
		a.DownloadService,
		a.ExtractorService,
		a.OrchestratorService,
		a.FileCleanupService,
		a.SchedulerService,
		a.ProgressTracker,
	}

	for _, check := range nilChecks {
		if check == nil {
			return log.ErrMsg("nil check failed")
		}
	}

	return nil
}

func (a *App) Close() (err error) {
	if a.EventBus != nil {
		if closeErr := a.EventBus.Close(); closeErr != nil {
			err = closeErr
		}
	}

	if a.SchedulerService != nil {
		if closeErr := a.SchedulerService.Stop(context.Background()); closeErr != nil {
			err = closeErr
		}
	}

	if a.Broker != nil {
		if closeErr := a.Broker.Close(); closeErr != nil {
			err = closeErr
		}
	}

	if dbErr := a.Database.Close(); dbErr != nil {
		err = dbErr
	}

	return err
}
