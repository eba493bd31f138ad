package handlers

import (
	"time"

	"shellac/config"
	"shellac/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthReporter supplies service-specific fields for the health payload.
// A reporter may override "status".
type HealthReporter func() fiber.Map

func HealthHandler(router fiber.Router, config config.Config, service string, report HealthReporter) {
	router.Get("/health", func(c *fiber.Ctx) error {
		payload := fiber.Map{
			"status":    "healthy",
			"service":   service,
			"version":   config.GeneralVersion,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}

		if report != nil {
			for key, value := range report() {
				payload[key] = value
			}
		}

		return c.JSON(payload)
	})
}

// ExtractionHealth reports per-type extraction counters and in-flight files.
func ExtractionHealth(tracker *services.ProgressTracker) HealthReporter {
	return func() fiber.Map {
		snapshot := tracker.Snapshot()

		status := "healthy"
		if len(snapshot.Active) > 0 {
			status = "extracting"
		}

		progress := fiber.Map{}
		for dataType, count := range snapshot.Counts {
			progress[dataType.String()] = count
		}

		lastExtraction := fiber.Map{}
		for dataType, at := range snapshot.LastExtraction {
			lastExtraction[dataType.String()] = at.Format(time.RFC3339)
		}

		active := snapshot.Active
		if active == nil {
			active = []services.ActiveExtraction{}
		}

		return fiber.Map{
			"status":               status,
			"extraction_progress":  progress,
			"last_extraction_time": lastExtraction,
			"active_extractions":   active,
		}
	}
}

// ConsumerHealth reports per-type stored-record counters and buffered
// deliveries for the queue consumers.
func ConsumerHealth(processor *services.BatchProcessor) HealthReporter {
	return func() fiber.Map {
		stored := fiber.Map{}
		for dataType, count := range processor.Processed() {
			stored[dataType.String()] = count
		}

		return fiber.Map{
			"records_stored":     stored,
			"pending_deliveries": processor.Pending(),
		}
	}
}
