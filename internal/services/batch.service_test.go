package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shellac/internal/broker"
	"shellac/internal/models"
)

var errStoreDown = errors.New("store down")

// fakeApplier records applied batches and can fail a number of calls.
type fakeApplier struct {
	mu         sync.Mutex
	batches    [][][]byte
	failRemain int
	poison     bool
}

func (f *fakeApplier) Apply(_ context.Context, _ models.DataType, bodies [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failRemain > 0 {
		f.failRemain--
		if f.poison {
			return errors.New("constraint violation")
		}
		return errStoreDown
	}

	batch := make([][]byte, len(bodies))
	copy(batch, bodies)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeApplier) Transient(err error) bool {
	return errors.Is(err, errStoreDown)
}

func (f *fakeApplier) applied() [][][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][][]byte, len(f.batches))
	copy(out, f.batches)
	return out
}

// trackedDelivery builds a Delivery whose ack and nack outcomes are recorded.
type deliveryTracker struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (dt *deliveryTracker) delivery(dataType models.DataType, id string) broker.Delivery {
	body, _ := json.Marshal(map[string]any{"id": id, "name": "rec " + id})
	return broker.Delivery{
		DataType: dataType,
		Body:     body,
		Ack: func() error {
			dt.mu.Lock()
			defer dt.mu.Unlock()
			dt.acked = append(dt.acked, id)
			return nil
		},
		Nack: func() error {
			dt.mu.Lock()
			defer dt.mu.Unlock()
			dt.nacked = append(dt.nacked, id)
			return nil
		},
	}
}

func (dt *deliveryTracker) sentinel(dataType models.DataType, file string) broker.Delivery {
	body, _ := json.Marshal(models.NewFileComplete(dataType, 2, file))
	return broker.Delivery{
		DataType: dataType,
		Body:     body,
		Ack: func() error {
			dt.mu.Lock()
			defer dt.mu.Unlock()
			dt.acked = append(dt.acked, "sentinel")
			return nil
		},
		Nack: func() error { return nil },
	}
}

func TestBatchProcessorFlushesOnSize(t *testing.T) {
	applier := &fakeApplier{}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 2, "testProcessor")

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "1"))

	if len(applier.applied()) != 0 {
		t.Fatal("flushed before reaching batch size")
	}

	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "2"))

	batches := applier.applied()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("applied = %v, want one batch of 2", batches)
	}
	if len(tracker.acked) != 2 {
		t.Errorf("acked %d deliveries, want 2", len(tracker.acked))
	}
	if bp.Pending() != 0 {
		t.Errorf("pending = %d, want 0", bp.Pending())
	}
	if bp.Processed()[models.DataTypeArtists] != 2 {
		t.Errorf("processed = %d, want 2", bp.Processed()[models.DataTypeArtists])
	}
}

func TestBatchProcessorKeepsTypesSeparate(t *testing.T) {
	applier := &fakeApplier{}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 2, "testProcessor")

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "a1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeLabels, "l1"))

	// Neither type reached its batch size
	if len(applier.applied()) != 0 {
		t.Fatal("types must not share a batch")
	}
}

func TestBatchProcessorSentinelForcesFlush(t *testing.T) {
	applier := &fakeApplier{}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 100, "testProcessor")

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "1"))
	bp.Handle(ctx, tracker.sentinel(models.DataTypeArtists, "discogs_20990101_artists.xml.gz"))

	batches := applier.applied()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("sentinel should flush the partial batch, applied = %v", batches)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.acked) != 2 {
		t.Errorf("acked = %v, want record and sentinel", tracker.acked)
	}
}

func TestBatchProcessorTransientRequeue(t *testing.T) {
	applier := &fakeApplier{failRemain: 1}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 2, "testProcessor")
	bp.retryDelay = time.Millisecond

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "2"))

	// First flush hit the transient failure: nothing acked or nacked
	tracker.mu.Lock()
	if len(tracker.acked) != 0 || len(tracker.nacked) != 0 {
		t.Fatalf("transient failure must not settle deliveries: acked=%v nacked=%v",
			tracker.acked, tracker.nacked)
	}
	tracker.mu.Unlock()
	if bp.Pending() != 2 {
		t.Fatalf("pending = %d, want requeued 2", bp.Pending())
	}

	// A later message arrives while the batch waits; retry preserves order
	// and stays within the batch size
	time.Sleep(5 * time.Millisecond)
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "3"))

	batches := applier.applied()
	if len(batches) != 1 {
		t.Fatalf("applied %d batches, want 1", len(batches))
	}
	ids := recordIDs(t, batches[0])
	if fmt.Sprint(ids) != "[1 2]" {
		t.Errorf("retry order = %v, want [1 2]", ids)
	}
	if bp.Pending() != 1 {
		t.Errorf("pending = %d, want the overflow record queued", bp.Pending())
	}
}

// A requeue plus new arrivals can leave more than batchSize queued for one
// type; each flush must still hand the store at most batchSize payloads.
func TestBatchProcessorCapsBatchAtSize(t *testing.T) {
	applier := &fakeApplier{failRemain: 1}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 2, "testProcessor")
	bp.retryDelay = time.Millisecond

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "2"))

	time.Sleep(5 * time.Millisecond)
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "3"))
	bp.Handle(ctx, tracker.sentinel(models.DataTypeArtists, "discogs_20990101_artists.xml.gz"))

	batches := applier.applied()
	if len(batches) != 2 {
		t.Fatalf("applied %d batches, want 2", len(batches))
	}
	for _, batch := range batches {
		if len(batch) > 2 {
			t.Errorf("batch of %d exceeds the batch size", len(batch))
		}
	}
	if first := fmt.Sprint(recordIDs(t, batches[0])); first != "[1 2]" {
		t.Errorf("first batch = %v, want [1 2]", first)
	}
	if second := fmt.Sprint(recordIDs(t, batches[1])); second != "[3]" {
		t.Errorf("second batch = %v, want [3]", second)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.acked) != 4 {
		t.Errorf("acked = %v, want three records and the sentinel", tracker.acked)
	}
}

func TestBatchProcessorPoisonDeadLetters(t *testing.T) {
	applier := &fakeApplier{failRemain: 1, poison: true}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 2, "testProcessor")

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "2"))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.nacked) != 2 {
		t.Fatalf("nacked = %v, want both deliveries rejected", tracker.nacked)
	}
	if len(tracker.acked) != 0 {
		t.Errorf("acked = %v, want none", tracker.acked)
	}
	if bp.Pending() != 0 {
		t.Errorf("pending = %d, want 0", bp.Pending())
	}
}

func TestBatchProcessorMaxPendingFlushesAll(t *testing.T) {
	applier := &fakeApplier{}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 100, "testProcessor")
	bp.maxPending = 3

	ctx := context.Background()
	bp.Handle(ctx, tracker.delivery(models.DataTypeArtists, "a1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeLabels, "l1"))
	bp.Handle(ctx, tracker.delivery(models.DataTypeLabels, "l2"))

	if len(applier.applied()) == 0 {
		t.Fatal("hitting max pending should flush every queue")
	}
	if bp.Pending() != 0 {
		t.Errorf("pending = %d, want 0", bp.Pending())
	}
}

func TestBatchProcessorIntervalFlush(t *testing.T) {
	applier := &fakeApplier{}
	tracker := &deliveryTracker{}
	bp := NewBatchProcessor(applier, 100, "testProcessor")
	bp.flushInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bp.Run(ctx)
	}()

	bp.Handle(ctx, tracker.delivery(models.DataTypeMasters, "m1"))

	deadline := time.After(2 * time.Second)
	for len(applier.applied()) == 0 {
		select {
		case <-deadline:
			t.Fatal("interval flush never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func recordIDs(t *testing.T, bodies [][]byte) []string {
	t.Helper()

	var ids []string
	for _, body := range bodies {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, probe.ID)
	}
	return ids
}
