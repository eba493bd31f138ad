package services

import (
	"sync"

	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// MarkerStore serializes state marker mutation and persistence across
// concurrently extracting files.
type MarkerStore struct {
	mu     sync.Mutex
	marker *models.StateMarker
	path   string
	log    logger.Logger
}

func NewMarkerStore(marker *models.StateMarker, path string) *MarkerStore {
	return &MarkerStore{
		marker: marker,
		path:   path,
		log:    logger.New("markerStore"),
	}
}

// Update mutates the marker under the lock without persisting.
func (ms *MarkerStore) Update(fn func(*models.StateMarker)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	fn(ms.marker)
}

// UpdateAndSave mutates the marker and writes it to disk. Save failures are
// logged but never abort extraction; the marker is a resume hint, not the
// source of truth.
func (ms *MarkerStore) UpdateAndSave(fn func(*models.StateMarker)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	fn(ms.marker)
	if err := ms.marker.Save(ms.path); err != nil {
		ms.log.Warn("Failed to save state marker", "error", err, "path", ms.path)
	}
}

// View reads derived state under the lock.
func (ms *MarkerStore) View(fn func(*models.StateMarker)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	fn(ms.marker)
}

func (ms *MarkerStore) Path() string {
	return ms.path
}
