package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logger "github.com/Bparsons0904/goLogger"
)

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

type ProcessingDecision string

const (
	// DecisionReprocess means re-download and re-process everything.
	DecisionReprocess ProcessingDecision = "reprocess"
	// DecisionContinue means resume processing unfinished files.
	DecisionContinue ProcessingDecision = "continue"
	// DecisionSkip means the version is already fully processed.
	DecisionSkip ProcessingDecision = "skip"
)

type DownloadPhase struct {
	Status          PhaseStatus `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	FilesDownloaded int         `json:"files_downloaded"`
	FilesTotal      int         `json:"files_total"`
	BytesDownloaded int64       `json:"bytes_downloaded"`
	Errors          []string    `json:"errors,omitempty"`
}

type FileProcessingStatus struct {
	Status            PhaseStatus `json:"status"`
	RecordsExtracted  int64       `json:"records_extracted"`
	MessagesPublished int64       `json:"messages_published"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

type ProcessingPhase struct {
	Status           PhaseStatus                      `json:"status"`
	StartedAt        *time.Time                       `json:"started_at,omitempty"`
	CompletedAt      *time.Time                       `json:"completed_at,omitempty"`
	FilesProcessed   int                              `json:"files_processed"`
	FilesTotal       int                              `json:"files_total"`
	RecordsExtracted int64                            `json:"records_extracted"`
	CurrentFile      string                           `json:"current_file,omitempty"`
	ProgressByFile   map[string]*FileProcessingStatus `json:"progress_by_file"`
	Errors           []string                         `json:"errors,omitempty"`
}

type PublishingPhase struct {
	Status            PhaseStatus `json:"status"`
	MessagesPublished int64       `json:"messages_published"`
	BatchesSent       int64       `json:"batches_sent"`
	Errors            []string    `json:"errors,omitempty"`
	LastHeartbeat     *time.Time  `json:"last_heartbeat,omitempty"`
}

type ExtractionSummary struct {
	OverallStatus        PhaseStatus             `json:"overall_status"`
	TotalDurationSeconds *float64                `json:"total_duration_seconds,omitempty"`
	FilesByType          map[DataType]PhaseStatus `json:"files_by_type"`
}

// StateMarker is the per-snapshot-version progress record. It is persisted as
// JSON next to the snapshot files and drives resume, skip, and reprocess
// decisions across runs.
//
// Mutations are single-threaded by convention: only the orchestrator and the
// one extractor working the current file touch a marker, so there is no
// locking here.
type StateMarker struct {
	MetadataVersion string          `json:"metadata_version"`
	LastUpdated     time.Time       `json:"last_updated"`
	CurrentVersion  string          `json:"current_version"`
	DownloadPhase   DownloadPhase   `json:"download_phase"`
	ProcessingPhase ProcessingPhase `json:"processing_phase"`
	PublishingPhase PublishingPhase `json:"publishing_phase"`
	Summary         ExtractionSummary `json:"summary"`
}

func NewStateMarker(version string) *StateMarker {
	return &StateMarker{
		MetadataVersion: "1.0",
		LastUpdated:     time.Now().UTC(),
		CurrentVersion:  version,
		DownloadPhase:   DownloadPhase{Status: PhasePending},
		ProcessingPhase: ProcessingPhase{
			Status:         PhasePending,
			ProgressByFile: make(map[string]*FileProcessingStatus),
		},
		PublishingPhase: PublishingPhase{Status: PhasePending},
		Summary: ExtractionSummary{
			OverallStatus: PhasePending,
			FilesByType:   make(map[DataType]PhaseStatus),
		},
	}
}

// MarkerPath returns the marker file location for a snapshot version.
func MarkerPath(discogsRoot, version string) string {
	return filepath.Join(discogsRoot, fmt.Sprintf(".extraction_status_%s.json", version))
}

// LoadStateMarker reads a marker from disk. A missing or corrupt file is not
// an error, only the absence of usable state: it returns nil and the caller
// starts fresh.
func LoadStateMarker(path string, log logger.Logger) *StateMarker {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Failed to read state marker", "path", path, "error", err)
		}
		return nil
	}

	var marker StateMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		log.Warn("Failed to parse state marker, starting fresh", "path", path, "error", err)
		return nil
	}

	if marker.ProcessingPhase.ProgressByFile == nil {
		marker.ProcessingPhase.ProgressByFile = make(map[string]*FileProcessingStatus)
	}
	if marker.Summary.FilesByType == nil {
		marker.Summary.FilesByType = make(map[DataType]PhaseStatus)
	}

	log.Info("Loaded state marker", "version", marker.CurrentVersion, "path", path)
	return &marker
}

// Save writes the marker atomically via a temp file rename and refreshes
// LastUpdated.
func (m *StateMarker) Save(path string) error {
	m.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state marker: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state marker: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace state marker: %w", err)
	}

	return nil
}

// ShouldProcess applies the resume decision rules: a failed download forces a
// reprocess, unfinished or failed processing continues, and a completed
// summary skips the version entirely.
func (m *StateMarker) ShouldProcess() ProcessingDecision {
	if m.DownloadPhase.Status == PhaseFailed {
		return DecisionReprocess
	}

	if m.ProcessingPhase.Status == PhaseFailed || m.ProcessingPhase.Status == PhaseInProgress {
		return DecisionContinue
	}

	if m.Summary.OverallStatus == PhaseCompleted {
		return DecisionSkip
	}

	return DecisionContinue
}

func (m *StateMarker) StartDownload(filesTotal int) {
	now := time.Now().UTC()
	m.DownloadPhase.Status = PhaseInProgress
	m.DownloadPhase.StartedAt = &now
	m.DownloadPhase.FilesTotal = filesTotal
	m.DownloadPhase.FilesDownloaded = 0
	m.DownloadPhase.BytesDownloaded = 0
}

func (m *StateMarker) FileDownloaded(bytes int64) {
	m.DownloadPhase.FilesDownloaded++
	m.DownloadPhase.BytesDownloaded += bytes
}

func (m *StateMarker) CompleteDownload() {
	now := time.Now().UTC()
	m.DownloadPhase.Status = PhaseCompleted
	m.DownloadPhase.CompletedAt = &now
}

func (m *StateMarker) FailDownload(errMsg string) {
	m.DownloadPhase.Status = PhaseFailed
	m.DownloadPhase.Errors = append(m.DownloadPhase.Errors, errMsg)
	m.Summary.OverallStatus = PhaseFailed
}

func (m *StateMarker) StartProcessing(filesTotal int) {
	now := time.Now().UTC()
	m.ProcessingPhase.Status = PhaseInProgress
	m.ProcessingPhase.StartedAt = &now
	m.ProcessingPhase.FilesTotal = filesTotal
	m.ProcessingPhase.FilesProcessed = 0
	m.ProcessingPhase.RecordsExtracted = 0
	m.Summary.OverallStatus = PhaseInProgress
}

func (m *StateMarker) StartFileProcessing(filename string) {
	now := time.Now().UTC()
	m.ProcessingPhase.CurrentFile = filename
	m.ProcessingPhase.ProgressByFile[filename] = &FileProcessingStatus{
		Status:    PhaseInProgress,
		StartedAt: &now,
	}
}

// UpdateFileProgress overwrites the per-file counts and recomputes the phase
// total as the sum over all file entries, so replayed updates cannot
// double-count.
func (m *StateMarker) UpdateFileProgress(filename string, records, messages int64) {
	if status, ok := m.ProcessingPhase.ProgressByFile[filename]; ok {
		status.RecordsExtracted = records
		status.MessagesPublished = messages
	}

	m.recomputeRecordsExtracted()
}

func (m *StateMarker) CompleteFileProcessing(filename string, records int64) {
	now := time.Now().UTC()
	if status, ok := m.ProcessingPhase.ProgressByFile[filename]; ok {
		status.Status = PhaseCompleted
		status.CompletedAt = &now
		status.RecordsExtracted = records
	}

	// files_processed only moves on the completion transition
	m.ProcessingPhase.FilesProcessed++
	m.recomputeRecordsExtracted()

	if dataType, ok := DataTypeFromFilename(filename); ok {
		m.Summary.FilesByType[dataType] = PhaseCompleted
	}
}

func (m *StateMarker) recomputeRecordsExtracted() {
	var total int64
	for _, status := range m.ProcessingPhase.ProgressByFile {
		total += status.RecordsExtracted
	}
	m.ProcessingPhase.RecordsExtracted = total
}

func (m *StateMarker) CompleteProcessing() {
	now := time.Now().UTC()
	m.ProcessingPhase.Status = PhaseCompleted
	m.ProcessingPhase.CompletedAt = &now
	m.ProcessingPhase.CurrentFile = ""
}

func (m *StateMarker) FailProcessing(errMsg string) {
	m.ProcessingPhase.Status = PhaseFailed
	m.ProcessingPhase.Errors = append(m.ProcessingPhase.Errors, errMsg)
	m.Summary.OverallStatus = PhaseFailed
}

func (m *StateMarker) UpdatePublishing(messages, batches int64) {
	now := time.Now().UTC()
	m.PublishingPhase.Status = PhaseInProgress
	m.PublishingPhase.MessagesPublished += messages
	m.PublishingPhase.BatchesSent += batches
	m.PublishingPhase.LastHeartbeat = &now
}

func (m *StateMarker) FailPublishing(errMsg string) {
	m.PublishingPhase.Status = PhaseFailed
	m.PublishingPhase.Errors = append(m.PublishingPhase.Errors, errMsg)
}

func (m *StateMarker) CompleteExtraction() {
	m.PublishingPhase.Status = PhaseCompleted
	m.Summary.OverallStatus = PhaseCompleted

	if m.DownloadPhase.StartedAt != nil && m.ProcessingPhase.CompletedAt != nil {
		duration := m.ProcessingPhase.CompletedAt.Sub(*m.DownloadPhase.StartedAt).Seconds()
		m.Summary.TotalDurationSeconds = &duration
	}
}

// PendingFiles returns the files whose entry is missing or not yet completed.
func (m *StateMarker) PendingFiles(allFiles []string) []string {
	var pending []string
	for _, file := range allFiles {
		status, ok := m.ProcessingPhase.ProgressByFile[file]
		if !ok || status.Status != PhaseCompleted {
			pending = append(pending, file)
		}
	}
	return pending
}
