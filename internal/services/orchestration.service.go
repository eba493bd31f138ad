package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"shellac/config"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// OrchestratorService drives the full ingestion cycle: find the newest
// complete snapshot, download it, extract every pending file, then sleep
// until the next periodic check.
type OrchestratorService struct {
	config    config.Config
	catalog   *CatalogService
	download  *DownloadService
	extractor *ExtractorService
	tracker   *ProgressTracker
	log       logger.Logger

	concurrency int
}

func NewOrchestratorService(
	cfg config.Config,
	catalog *CatalogService,
	download *DownloadService,
	extractor *ExtractorService,
	tracker *ProgressTracker,
) *OrchestratorService {
	return &OrchestratorService{
		config:      cfg,
		catalog:     catalog,
		download:    download,
		extractor:   extractor,
		tracker:     tracker,
		log:         logger.New("orchestratorService"),
		concurrency: ExtractorConcurrency,
	}
}

// Run executes one cycle immediately, then re-checks for new snapshots every
// PeriodicCheckDays. The wait is chunked so shutdown is prompt.
func (s *OrchestratorService) Run(ctx context.Context) error {
	log := s.log.Function("Run")

	if err := s.RunCycle(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Er("Ingestion cycle failed", err)
	}

	interval := time.Duration(s.config.PeriodicCheckDays) * 24 * time.Hour
	log.Info("Entering periodic check loop", "interval", interval.String())

	for {
		if err := s.wait(ctx, interval); err != nil {
			return err
		}

		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Er("Ingestion cycle failed, will retry next period", err)
		}
	}
}

func (s *OrchestratorService) wait(ctx context.Context, interval time.Duration) error {
	deadline := time.Now().Add(interval)
	ticker := time.NewTicker(PeriodicTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}

// RunCycle processes the latest complete snapshot once, resuming from the
// state marker where possible.
func (s *OrchestratorService) RunCycle(ctx context.Context) error {
	log := s.log.Function("RunCycle")

	version, remoteFiles, err := s.catalog.LatestVersion(ctx)
	if err != nil {
		return log.Err("failed to find latest snapshot", err)
	}
	log.Info("Latest complete snapshot", "version", version, "files", len(remoteFiles))

	markerPath := models.MarkerPath(s.config.DiscogsRoot, version)
	marker := models.LoadStateMarker(markerPath, s.log)

	switch {
	case s.config.ForceReprocess:
		log.Info("Force reprocess enabled, discarding prior state", "version", version)
		marker = models.NewStateMarker(version)
	case marker == nil:
		marker = models.NewStateMarker(version)
	default:
		switch marker.ShouldProcess() {
		case models.DecisionSkip:
			log.Info("Snapshot already fully processed", "version", version)
			return nil
		case models.DecisionReprocess:
			log.Info("Prior attempt unusable, reprocessing from scratch", "version", version)
			marker = models.NewStateMarker(version)
		case models.DecisionContinue:
			log.Info("Resuming prior extraction",
				"version", version,
				"filesProcessed", marker.ProcessingPhase.FilesProcessed)
		}
	}

	dataFiles, err := s.download.DownloadSnapshot(ctx, version, remoteFiles, marker, markerPath)
	if err != nil {
		return err
	}

	store := NewMarkerStore(marker, markerPath)

	// A resumed in-progress or failed run keeps its per-file progress
	if marker.ProcessingPhase.Status != models.PhaseInProgress &&
		marker.ProcessingPhase.Status != models.PhaseFailed {
		store.UpdateAndSave(func(m *models.StateMarker) {
			m.StartProcessing(len(dataFiles))
		})
	}

	pending := marker.PendingFiles(dataFiles)
	if len(pending) == 0 {
		log.Info("No files left to extract", "version", version)
		s.finishCycle(store, version)
		return nil
	}
	log.Info("Extracting files", "version", version, "pending", len(pending))

	reporterCtx, stopReporter := context.WithCancel(ctx)
	var reporterWG sync.WaitGroup
	reporterWG.Add(1)
	go func() {
		defer reporterWG.Done()
		s.reportProgress(reporterCtx)
	}()

	extractErr := s.extractPending(ctx, pending, store)

	stopReporter()
	reporterWG.Wait()

	if extractErr != nil {
		return log.Err("extraction incomplete", extractErr, "version", version)
	}

	s.finishCycle(store, version)
	return nil
}

func (s *OrchestratorService) finishCycle(store *MarkerStore, version string) {
	store.UpdateAndSave(func(m *models.StateMarker) {
		m.CompleteProcessing()
		m.CompleteExtraction()
	})
	s.log.Info("Snapshot ingestion complete", "version", version)
}

// extractPending runs the pending files under the concurrency cap and
// returns the first failure, letting in-flight files finish.
func (s *OrchestratorService) extractPending(
	ctx context.Context,
	pending []string,
	store *MarkerStore,
) error {
	semaphore := make(chan struct{}, s.concurrency)
	errCh := make(chan error, len(pending))
	var wg sync.WaitGroup

	for _, filename := range pending {
		path := filepath.Join(s.config.DiscogsRoot, filename)

		wg.Add(1)
		go func(path string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			defer func() { <-semaphore }()

			if err := s.extractor.ExtractFile(ctx, path, store); err != nil {
				errCh <- fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
		}(path)
	}

	wg.Wait()
	close(errCh)

	return <-errCh
}

// reportProgress logs extraction counters frequently at first, then settles
// into a slower cadence for the long tail.
func (s *OrchestratorService) reportProgress(ctx context.Context) {
	log := s.log.Function("reportProgress")

	interval := ProgressReportFast
	reports := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snapshot := s.tracker.Snapshot()
		for _, active := range snapshot.Active {
			if active.Stalled {
				log.Warn("Extraction appears stalled",
					"file", active.File,
					"records", active.Records,
					"lastRecordAt", active.LastRecordAt.Format(time.RFC3339))
				continue
			}
			log.Info("Extraction progress",
				"file", active.File,
				"dataType", active.DataType,
				"records", active.Records)
		}

		reports++
		if reports >= ProgressFastReports {
			interval = ProgressReportSlow
		}
		timer.Reset(interval)
	}
}
