package services

import (
	"sort"
	"sync"
	"time"

	"shellac/internal/models"
)

// ProgressTracker aggregates per-type extraction counters for the progress
// reporter and the health endpoint. All methods are safe for concurrent use.
type ProgressTracker struct {
	mu             sync.RWMutex
	counts         map[models.DataType]int64
	lastExtraction map[models.DataType]time.Time
	active         map[string]*activeFile
}

type activeFile struct {
	file         string
	dataType     models.DataType
	records      int64
	startedAt    time.Time
	lastRecordAt time.Time
}

// ActiveExtraction is a point-in-time view of one in-flight file.
type ActiveExtraction struct {
	File         string          `json:"file"`
	DataType     models.DataType `json:"data_type"`
	Records      int64           `json:"records"`
	StartedAt    time.Time       `json:"started_at"`
	LastRecordAt time.Time       `json:"last_record_at"`
	Stalled      bool            `json:"stalled"`
}

// ProgressSnapshot is a consistent copy of all counters.
type ProgressSnapshot struct {
	Counts         map[models.DataType]int64
	LastExtraction map[models.DataType]time.Time
	Active         []ActiveExtraction
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		counts:         make(map[models.DataType]int64),
		lastExtraction: make(map[models.DataType]time.Time),
		active:         make(map[string]*activeFile),
	}
}

func (pt *ProgressTracker) StartFile(dataType models.DataType, file string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := time.Now().UTC()
	pt.active[file] = &activeFile{
		file:         file,
		dataType:     dataType,
		startedAt:    now,
		lastRecordAt: now,
	}
}

// RecordsProcessed advances the counters for a file by delta records.
func (pt *ProgressTracker) RecordsProcessed(dataType models.DataType, file string, delta int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := time.Now().UTC()
	pt.counts[dataType] += delta
	pt.lastExtraction[dataType] = now

	if entry, ok := pt.active[file]; ok {
		entry.records += delta
		entry.lastRecordAt = now
	}
}

func (pt *ProgressTracker) FinishFile(file string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.active, file)
}

// Snapshot copies the current state. Files with no records for longer than
// StalledThreshold are flagged stalled.
func (pt *ProgressTracker) Snapshot() ProgressSnapshot {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	snapshot := ProgressSnapshot{
		Counts:         make(map[models.DataType]int64, len(pt.counts)),
		LastExtraction: make(map[models.DataType]time.Time, len(pt.lastExtraction)),
	}

	for dataType, count := range pt.counts {
		snapshot.Counts[dataType] = count
	}
	for dataType, at := range pt.lastExtraction {
		snapshot.LastExtraction[dataType] = at
	}

	now := time.Now().UTC()
	for _, entry := range pt.active {
		snapshot.Active = append(snapshot.Active, ActiveExtraction{
			File:         entry.file,
			DataType:     entry.dataType,
			Records:      entry.records,
			StartedAt:    entry.startedAt,
			LastRecordAt: entry.lastRecordAt,
			Stalled:      now.Sub(entry.lastRecordAt) > StalledThreshold,
		})
	}
	sort.Slice(snapshot.Active, func(i, j int) bool {
		return snapshot.Active[i].File < snapshot.Active[j].File
	})

	return snapshot
}

// HasActive reports whether any file is currently being extracted.
func (pt *ProgressTracker) HasActive() bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	return len(pt.active) > 0
}
