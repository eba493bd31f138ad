package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"shellac/config"
	"shellac/internal/models"
	"shellac/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
)

// RecordPublisher is the broker surface the extractor needs. Invalidate
// forces a reconnect before the next publish attempt.
type RecordPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Invalidate()
}

type ExtractorService struct {
	config    config.Config
	parser    *XMLParserService
	publisher RecordPublisher
	tracker   *ProgressTracker
	log       logger.Logger

	enqueueTimeout  time.Duration
	flushBackoff    time.Duration
	maxFlushBackoff time.Duration
}

func NewExtractorService(
	cfg config.Config,
	parser *XMLParserService,
	publisher RecordPublisher,
	tracker *ProgressTracker,
) *ExtractorService {
	return &ExtractorService{
		config:          cfg,
		parser:          parser,
		publisher:       publisher,
		tracker:         tracker,
		log:             logger.New("extractorService"),
		enqueueTimeout:  RecordEnqueueTimeout,
		flushBackoff:    FlushQueueInitialBackoff,
		maxFlushBackoff: FlushQueueMaxBackoff,
	}
}

// ExtractFile runs the full pipeline for one dump file: parse, hash, batch,
// publish, then emit the file-complete sentinel. The state marker is updated
// through the shared store so concurrent files do not clobber each other.
func (es *ExtractorService) ExtractFile(
	ctx context.Context,
	path string,
	store *MarkerStore,
) error {
	log := es.log.Function("ExtractFile")

	filename := filepath.Base(path)
	dataType, ok := models.DataTypeFromFilename(filename)
	if !ok {
		return log.Err("cannot determine data type", fmt.Errorf("unrecognized filename %s", filename))
	}

	run := &extractionRun{
		es:          es,
		dataType:    dataType,
		filename:    filename,
		store:       store,
		policy:      es.config.QueueFullPolicy,
		recordQueue: make(chan map[string]any, RecordQueueCapacity),
		flushQueue:  make(chan [][]byte, FlushQueueCapacity),
		log:         log.With("file", filename, "dataType", dataType),
	}

	workers := es.config.MaxWorkers
	if workers <= 0 {
		workers = 4
	}

	return run.execute(ctx, path, workers)
}

// extractionRun is the per-file pipeline state.
type extractionRun struct {
	es       *ExtractorService
	dataType models.DataType
	filename string
	store    *MarkerStore
	policy   string
	log      logger.Logger

	recordQueue chan map[string]any
	flushQueue  chan [][]byte

	pendingMu sync.Mutex
	pending   [][]byte

	processed atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64

	errMu    sync.Mutex
	firstErr error

	lastDropWarn  atomic.Int64
	lastFlushWarn atomic.Int64
}

func (run *extractionRun) execute(ctx context.Context, path string, workers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run.store.UpdateAndSave(func(m *models.StateMarker) {
		m.StartFileProcessing(run.filename)
	})
	run.es.tracker.StartFile(run.dataType, run.filename)
	defer run.es.tracker.FinishFile(run.filename)

	start := time.Now()
	run.log.Info("Starting extraction")

	var workerWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			run.recordWorker(ctx)
		}()
	}

	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		run.flushWorker(ctx, cancel)
	}()

	_, parseErr := run.es.parser.ParseFile(ctx, path, run.dataType, run.enqueue(ctx))

	close(run.recordQueue)
	workerWG.Wait()
	run.cutPendingBatch(ctx)
	close(run.flushQueue)
	flushWG.Wait()

	processed := run.processed.Load()
	published := run.published.Load()

	if err := run.failure(parseErr); err != nil {
		run.store.UpdateAndSave(func(m *models.StateMarker) {
			m.FailProcessing(fmt.Sprintf("%s: %v", run.filename, err))
		})
		return run.log.Err("extraction failed", err, "processed", processed)
	}

	// Completion order matters for resume: the sentinel only goes out after
	// every record has been confirmed.
	sentinel := models.NewFileComplete(run.dataType, processed, run.filename)
	payload, err := json.Marshal(sentinel)
	if err != nil {
		return run.log.Err("failed to marshal file-complete sentinel", err)
	}
	if err := run.es.publisher.Publish(ctx, run.dataType.String(), payload); err != nil {
		run.store.UpdateAndSave(func(m *models.StateMarker) {
			m.FailProcessing(fmt.Sprintf("%s: sentinel publish: %v", run.filename, err))
		})
		return run.log.Err("failed to publish file-complete sentinel", err)
	}

	run.store.UpdateAndSave(func(m *models.StateMarker) {
		m.UpdatePublishing(published, published/PublishBatchSize)
		m.CompleteFileProcessing(run.filename, processed)
	})

	run.log.Info("Extraction complete",
		"records", processed,
		"published", published,
		"dropped", run.dropped.Load(),
		"duration", time.Since(start).Round(time.Second).String())

	return nil
}

// enqueue pushes parsed records into the bounded queue, pausing the parser
// as the queue fills and applying the configured full-queue policy.
func (run *extractionRun) enqueue(ctx context.Context) func(map[string]any) error {
	return func(body map[string]any) error {
		run.applyBackpressure(ctx)

		select {
		case run.recordQueue <- body:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if run.policy == config.QueuePolicyBlock {
			select {
			case run.recordQueue <- body:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		timer := time.NewTimer(run.es.enqueueTimeout)
		defer timer.Stop()

		select {
		case run.recordQueue <- body:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if run.policy == config.QueuePolicyFail {
				return fmt.Errorf("record queue full for %s", run.es.enqueueTimeout)
			}
			run.dropped.Add(1)
			run.warnRateLimited(&run.lastDropWarn, "Record queue full, dropping record",
				"dropped", run.dropped.Load())
			return nil
		}
	}
}

func (run *extractionRun) applyBackpressure(ctx context.Context) {
	depth := float64(len(run.recordQueue)) / float64(cap(run.recordQueue))

	var pause time.Duration
	switch {
	case depth >= BackpressureHighPct:
		pause = BackpressureHighSleep
	case depth >= BackpressureMediumPct:
		pause = BackpressureMediumSleep
	case depth >= BackpressureLowPct:
		pause = BackpressureLowSleep
	default:
		return
	}

	select {
	case <-time.After(pause):
	case <-ctx.Done():
	}
}

func (run *extractionRun) recordWorker(ctx context.Context) {
	for body := range run.recordQueue {
		if _, err := utils.StampRecordHash(body); err != nil {
			run.log.Warn("Failed to hash record, skipping", "error", err)
			continue
		}

		payload, err := utils.CanonicalJSON(body)
		if err != nil {
			run.log.Warn("Failed to serialize record, skipping", "error", err)
			continue
		}

		run.appendPending(ctx, payload)
		run.noteProcessed()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (run *extractionRun) appendPending(ctx context.Context, payload []byte) {
	run.pendingMu.Lock()
	run.pending = append(run.pending, payload)
	if len(run.pending) < PublishBatchSize {
		run.pendingMu.Unlock()
		return
	}

	batch := run.pending
	run.pending = nil
	run.pendingMu.Unlock()

	run.submitBatch(ctx, batch)
}

// cutPendingBatch flushes whatever is left after the workers drain.
func (run *extractionRun) cutPendingBatch(ctx context.Context) {
	run.pendingMu.Lock()
	batch := run.pending
	run.pending = nil
	run.pendingMu.Unlock()

	if len(batch) > 0 {
		run.submitBatch(ctx, batch)
	}
}

// submitBatch hands a batch to the flush worker. While the flush queue is
// full the channel send stays armed alongside an escalating timer, so the
// worker resumes the moment a slot frees rather than after a full backoff
// window; the timer only paces the retry loop and its warning.
func (run *extractionRun) submitBatch(ctx context.Context, batch [][]byte) {
	backoff := run.es.flushBackoff

	for {
		select {
		case run.flushQueue <- batch:
			return
		case <-ctx.Done():
			return
		default:
		}

		run.warnRateLimited(&run.lastFlushWarn, "Flush queue full, backing off",
			"backoff", backoff.String())

		select {
		case run.flushQueue <- batch:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > run.es.maxFlushBackoff {
			backoff = run.es.maxFlushBackoff
		}
	}
}

// flushWorker drains batches in arrival order. A publish failure it cannot
// recover from aborts the whole run so the parser and workers unwind.
func (run *extractionRun) flushWorker(ctx context.Context, abort context.CancelFunc) {
	for batch := range run.flushQueue {
		if err := run.publishBatch(ctx, batch); err != nil {
			run.setFailure(err)
			abort()
			return
		}
	}
}

// publishBatch publishes every message in a batch, re-buffering the
// unpublished remainder and reconnecting on broker failure.
func (run *extractionRun) publishBatch(ctx context.Context, batch [][]byte) error {
	backoff := run.es.flushBackoff

	for len(batch) > 0 {
		published := 0
		var publishErr error
		for _, payload := range batch {
			if publishErr = run.es.publisher.Publish(ctx, run.dataType.String(), payload); publishErr != nil {
				break
			}
			published++
		}

		run.published.Add(int64(published))
		batch = batch[published:]
		if len(batch) == 0 {
			return nil
		}

		run.es.publisher.Invalidate()
		run.warnRateLimited(&run.lastFlushWarn, "Publish failed, retrying batch remainder",
			"error", publishErr,
			"remaining", len(batch),
			"backoff", backoff.String())

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish abandoned with %d unconfirmed messages: %w", len(batch), publishErr)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > run.es.maxFlushBackoff {
			backoff = run.es.maxFlushBackoff
		}
	}

	return nil
}

func (run *extractionRun) noteProcessed() {
	processed := run.processed.Add(1)
	run.es.tracker.RecordsProcessed(run.dataType, run.filename, 1)

	if processed%MarkerSaveInterval == 0 {
		published := run.published.Load()
		run.store.UpdateAndSave(func(m *models.StateMarker) {
			m.UpdateFileProgress(run.filename, processed, published)
		})
	}
}

func (run *extractionRun) setFailure(err error) {
	run.errMu.Lock()
	defer run.errMu.Unlock()

	if run.firstErr == nil {
		run.firstErr = err
	}
}

func (run *extractionRun) failure(parseErr error) error {
	run.errMu.Lock()
	defer run.errMu.Unlock()

	if run.firstErr != nil {
		return run.firstErr
	}
	return parseErr
}

// warnRateLimited logs at most one warning per FlushQueueWarningInterval for
// a given warning site.
func (run *extractionRun) warnRateLimited(last *atomic.Int64, msg string, args ...any) {
	now := time.Now().UnixNano()
	prev := last.Load()
	if now-prev < int64(FlushQueueWarningInterval) {
		return
	}
	if last.CompareAndSwap(prev, now) {
		run.log.Warn(msg, args...)
	}
}
