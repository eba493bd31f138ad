package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"shellac/internal/broker"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// BatchApplier writes one batch of same-type record payloads to a backing
// store. A transient error requeues the batch locally for retry; any other
// error rejects it back to the broker, whose delivery limit dead-letters
// messages that keep failing.
type BatchApplier interface {
	Apply(ctx context.Context, dataType models.DataType, bodies [][]byte) error
	Transient(err error) bool
}

// BatchProcessor accumulates deliveries per data type and flushes them on
// size, total-pending, and interval triggers. Messages are only acked after
// their batch is stored, so a crash redelivers instead of losing data.
type BatchProcessor struct {
	applier       BatchApplier
	batchSize     int
	flushInterval time.Duration
	maxPending    int
	retryDelay    time.Duration
	log           logger.Logger

	mu          sync.Mutex
	queues      map[models.DataType][]broker.Delivery
	pending     int
	nextAttempt map[models.DataType]time.Time
	processed   map[models.DataType]int64
}

func NewBatchProcessor(applier BatchApplier, batchSize int, name string) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = PublishBatchSize
	}

	return &BatchProcessor{
		applier:       applier,
		batchSize:     batchSize,
		flushInterval: BatchFlushInterval,
		maxPending:    BatchMaxPending,
		retryDelay:    BatchFlushInterval,
		log:           logger.New(name),
		queues:        make(map[models.DataType][]broker.Delivery),
		nextAttempt:   make(map[models.DataType]time.Time),
		processed:     make(map[models.DataType]int64),
	}
}

// Handle ingests one delivery. File-complete sentinels force a flush of
// their type so per-file boundaries are visible in the store immediately.
func (bp *BatchProcessor) Handle(ctx context.Context, delivery broker.Delivery) {
	if models.IsFileComplete(delivery.Body) {
		bp.flushType(ctx, delivery.DataType, true)

		var sentinel models.FileComplete
		if err := json.Unmarshal(delivery.Body, &sentinel); err == nil {
			bp.log.Info("File ingestion boundary reached",
				"dataType", sentinel.DataType,
				"file", sentinel.File,
				"fileRecords", sentinel.TotalProcessed,
				"storedTotal", bp.Processed()[delivery.DataType])
		}

		if err := delivery.Ack(); err != nil {
			bp.log.Warn("Failed to ack file-complete sentinel", "error", err)
		}
		return
	}

	bp.mu.Lock()
	bp.queues[delivery.DataType] = append(bp.queues[delivery.DataType], delivery)
	bp.pending++
	typeFull := len(bp.queues[delivery.DataType]) >= bp.batchSize
	overLimit := bp.pending >= bp.maxPending
	bp.mu.Unlock()

	switch {
	case typeFull:
		bp.flushType(ctx, delivery.DataType, false)
	case overLimit:
		bp.flushAll(ctx, false)
	}
}

// Run drives interval flushing until the context ends, then makes one final
// flush attempt so in-flight batches are not left to redelivery alone.
func (bp *BatchProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(bp.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			bp.flushAll(shutdownCtx, true)
			cancel()
			return
		case <-ticker.C:
			bp.flushAll(ctx, false)
		}
	}
}

// Processed returns per-type counts of records stored so far.
func (bp *BatchProcessor) Processed() map[models.DataType]int64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	counts := make(map[models.DataType]int64, len(bp.processed))
	for dataType, count := range bp.processed {
		counts[dataType] = count
	}
	return counts
}

// Pending returns the number of buffered, unflushed deliveries.
func (bp *BatchProcessor) Pending() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	return bp.pending
}

func (bp *BatchProcessor) flushAll(ctx context.Context, force bool) {
	bp.mu.Lock()
	dataTypes := make([]models.DataType, 0, len(bp.queues))
	for dataType := range bp.queues {
		dataTypes = append(dataTypes, dataType)
	}
	bp.mu.Unlock()

	for _, dataType := range dataTypes {
		bp.flushType(ctx, dataType, force)
	}
}

func (bp *BatchProcessor) flushType(ctx context.Context, dataType models.DataType, force bool) {
	for {
		applied, remaining := bp.flushChunk(ctx, dataType, force)
		if !force || !applied || remaining == 0 {
			return
		}
	}
}

// flushChunk settles at most batchSize queued deliveries. It reports whether
// draining may continue and how many deliveries remain queued for the type.
func (bp *BatchProcessor) flushChunk(
	ctx context.Context,
	dataType models.DataType,
	force bool,
) (bool, int) {
	bp.mu.Lock()
	if !force && time.Now().Before(bp.nextAttempt[dataType]) {
		bp.mu.Unlock()
		return false, 0
	}

	queued := bp.queues[dataType]
	if len(queued) == 0 {
		bp.mu.Unlock()
		return false, 0
	}

	batch := queued
	if len(queued) > bp.batchSize {
		// Full slice expression so a later requeue cannot clobber the
		// deliveries left behind in the queue.
		batch = queued[:bp.batchSize:bp.batchSize]
		bp.queues[dataType] = queued[bp.batchSize:]
	} else {
		delete(bp.queues, dataType)
	}
	bp.pending -= len(batch)
	bp.mu.Unlock()

	bodies := make([][]byte, len(batch))
	for i, delivery := range batch {
		bodies[i] = delivery.Body
	}

	err := bp.applier.Apply(ctx, dataType, bodies)
	switch {
	case err == nil:
		bp.ackBatch(batch)
		bp.mu.Lock()
		bp.processed[dataType] += int64(len(batch))
		delete(bp.nextAttempt, dataType)
		remaining := len(bp.queues[dataType])
		bp.mu.Unlock()
		return true, remaining

	case bp.applier.Transient(err):
		// Order-preserving front requeue: the batch goes back ahead of
		// anything buffered while it was in flight
		bp.log.Warn("Transient store failure, requeueing batch",
			"dataType", dataType,
			"size", len(batch),
			"error", err)
		bp.mu.Lock()
		bp.queues[dataType] = append(batch, bp.queues[dataType]...)
		bp.pending += len(batch)
		bp.nextAttempt[dataType] = time.Now().Add(bp.retryDelay)
		bp.mu.Unlock()
		return false, 0

	default:
		bp.log.Er("Batch rejected by store, returning to broker",
			err,
			"dataType", dataType,
			"size", len(batch))
		bp.nackBatch(batch)
		bp.mu.Lock()
		remaining := len(bp.queues[dataType])
		bp.mu.Unlock()
		return true, remaining
	}
}

// ackBatch confirms each delivery individually so one broken ack cannot
// strand the rest of the batch.
func (bp *BatchProcessor) ackBatch(batch []broker.Delivery) {
	for _, delivery := range batch {
		if err := delivery.Ack(); err != nil {
			bp.log.Warn("Failed to ack delivery", "error", err)
		}
	}
}

func (bp *BatchProcessor) nackBatch(batch []broker.Delivery) {
	for _, delivery := range batch {
		if err := delivery.Nack(); err != nil {
			bp.log.Warn("Failed to nack delivery", "error", err)
		}
	}
}
