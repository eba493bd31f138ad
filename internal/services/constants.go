package services

import "time"

// Upstream publisher endpoints
const (
	DiscogsBaseURL   = "https://data.discogs.com/"
	DiscogsUserAgent = "Shellac/1.0 (Discogs Dump Ingestion)"
	// 1 hour HTTP client timeout as a safety net; stall detection below is
	// what actually catches dead transfers
	DiscogsTimeoutSec      = 3600
	DiscogsStallTimeoutSec = 300
)

// Extractor pipeline tuning
const (
	RecordQueueCapacity  = 5000
	RecordEnqueueTimeout = 30 * time.Second
	FlushQueueCapacity   = 100
	PublishBatchSize     = 100

	// Adaptive backpressure pauses by record-queue depth
	BackpressureHighPct   = 0.8
	BackpressureMediumPct = 0.6
	BackpressureLowPct    = 0.4

	BackpressureHighSleep   = 10 * time.Millisecond
	BackpressureMediumSleep = 5 * time.Millisecond
	BackpressureLowSleep    = 1 * time.Millisecond

	// Full flush-queue retry backoff
	FlushQueueInitialBackoff  = 30 * time.Second
	FlushQueueMaxBackoff      = 300 * time.Second
	FlushQueueWarningInterval = time.Minute

	// Marker is persisted every this many records per file
	MarkerSaveInterval = 5000
)

// Orchestrator tuning
const (
	ExtractorConcurrency = 3
	ProgressReportFast   = 10 * time.Second
	ProgressReportSlow   = 30 * time.Second
	ProgressFastReports  = 3
	StalledThreshold     = 120 * time.Second
	PeriodicTick         = 60 * time.Second
)

// Consumer batch processing
const (
	BatchFlushInterval = 5 * time.Second
	BatchMaxPending    = 1000
)
