package services

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shellac/config"
	"shellac/internal/events"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
)

// ErrChecksum marks a manifest mismatch. The whole snapshot version fails and
// the orchestrator retries from scratch on the next tick.
var ErrChecksum = errors.New("checksum mismatch")

type DownloadService struct {
	config     config.Config
	baseURL    string
	httpClient *http.Client
	log        logger.Logger
	eventBus   *events.EventBus
}

func NewDownloadService(cfg config.Config, eventBus *events.EventBus) *DownloadService {
	log := logger.New("downloadService")

	timeout := time.Duration(DiscogsTimeoutSec) * time.Second

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
			MaxConnsPerHost:    10,
		},
	}

	return &DownloadService{
		config:     cfg,
		baseURL:    DiscogsBaseURL,
		httpClient: httpClient,
		log:        log,
		eventBus:   eventBus,
	}
}

func (ds *DownloadService) BroadcastProgress(
	version, status, filename string,
	downloaded, total int64,
	err error,
) {
	if ds.eventBus == nil {
		return
	}

	var percentage float64
	if total > 0 {
		percentage = float64(downloaded) / float64(total) * 100
	}

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
	}

	event := events.Event{
		ID:   uuid.New().String(),
		Type: events.DOWNLOAD_PROGRESS,
		Data: map[string]any{
			"version":      version,
			"status":       status,
			"file":         filename,
			"downloaded":   downloaded,
			"total":        total,
			"percentage":   percentage,
			"errorMessage": errMsg,
		},
		Timestamp: time.Now(),
	}

	if err := ds.eventBus.Publish(events.PROGRESS_CHANNEL, event); err != nil {
		ds.log.Warn("Failed to publish download progress", "error", err)
	}
}

// DownloadSnapshot hydrates the snapshot directory for a version: manifest
// first, then every data file that is missing or fails verification. Files
// already on disk with a matching checksum count as downloaded in the marker
// without touching the network. Returns the verified data filenames.
func (ds *DownloadService) DownloadSnapshot(
	ctx context.Context,
	version string,
	remoteFiles []models.RemoteFile,
	marker *models.StateMarker,
	markerPath string,
) ([]string, error) {
	log := ds.log.Function("DownloadSnapshot")

	root := ds.config.DiscogsRoot
	if err := ensureDirectory(root, log); err != nil {
		return nil, err
	}

	metadata := models.LoadDownloadMetadata(root, log)
	log.Info("Loaded download metadata", "files", len(metadata), "version", version)

	remoteByName := make(map[string]models.RemoteFile, len(remoteFiles))
	for _, file := range remoteFiles {
		remoteByName[file.Name] = file
	}

	// Manifest first: without expected hashes nothing else can be trusted
	checksumName := models.ChecksumFilename(version)
	checksumRemote, ok := remoteByName[checksumName]
	if !ok {
		return nil, log.Err(
			"snapshot has no checksum manifest",
			fmt.Errorf("missing %s", checksumName),
			"version", version,
		)
	}

	checksumPath := filepath.Join(root, checksumName)
	if err := ds.downloadFile(ctx, checksumRemote.Key, checksumPath, "", nil); err != nil {
		return nil, log.Err("failed to download checksum manifest", err, "version", version)
	}

	expected, err := ds.ParseChecksumManifest(checksumPath)
	if err != nil {
		return nil, err
	}

	dataFiles := models.SnapshotDataFiles(version)
	marker.StartDownload(len(dataFiles))
	if err := marker.Save(markerPath); err != nil {
		log.Warn("Failed to save state marker", "error", err)
	}

	for _, filename := range dataFiles {
		expectedHash, ok := expected[filename]
		if !ok {
			marker.FailDownload(fmt.Sprintf("manifest has no entry for %s", filename))
			_ = marker.Save(markerPath)
			return nil, log.Err(
				"manifest has no entry for data file",
				ErrChecksum,
				"file", filename,
			)
		}

		localPath := filepath.Join(root, filename)

		// Checksum-first: a verified prior download is a cache hit
		if info, err := os.Stat(localPath); err == nil {
			if verifyErr := ds.ValidateFileChecksum(localPath, expectedHash); verifyErr == nil {
				log.Info("File already verified, skipping download", "file", filename)
				marker.FileDownloaded(info.Size())
				metadata[filename] = models.LocalFileInfo{
					Path:     localPath,
					Checksum: expectedHash,
					Version:  version,
					Size:     info.Size(),
				}
				continue
			}
			log.Info("Existing file failed verification, re-downloading", "file", filename)
		}

		remote, ok := remoteByName[filename]
		if !ok {
			marker.FailDownload(fmt.Sprintf("missing remote entry for %s", filename))
			_ = marker.Save(markerPath)
			return nil, log.Err(
				"snapshot listing has no entry for data file",
				fmt.Errorf("missing %s", filename),
			)
		}

		if err := ds.downloadFile(ctx, remote.Key, localPath, version, func(downloaded, total int64) {
			ds.BroadcastProgress(version, "downloading", filename, downloaded, total, nil)
		}); err != nil {
			marker.FailDownload(err.Error())
			_ = marker.Save(markerPath)
			return nil, log.Err("failed to download data file", err, "file", filename)
		}

		if err := ds.ValidateFileChecksum(localPath, expectedHash); err != nil {
			marker.FailDownload(err.Error())
			_ = marker.Save(markerPath)
			ds.BroadcastProgress(version, "failed", filename, 0, 0, err)
			return nil, err
		}

		info, err := os.Stat(localPath)
		if err != nil {
			return nil, log.Err("failed to stat downloaded file", err, "file", filename)
		}

		marker.FileDownloaded(info.Size())
		if err := marker.Save(markerPath); err != nil {
			log.Warn("Failed to save state marker", "error", err)
		}

		metadata[filename] = models.LocalFileInfo{
			Path:     localPath,
			Checksum: expectedHash,
			Version:  version,
			Size:     info.Size(),
		}

		ds.BroadcastProgress(version, "completed", filename, info.Size(), info.Size(), nil)
	}

	// Merge, never replace: entries for prior versions feed the retention
	// cleanup until it removes them.
	if err := metadata.Save(root); err != nil {
		log.Warn("Failed to save download metadata", "error", err)
	}

	marker.CompleteDownload()
	if err := marker.Save(markerPath); err != nil {
		log.Warn("Failed to save state marker", "error", err)
	}

	log.Info("Snapshot download complete",
		"version", version,
		"files", len(dataFiles),
		"bytes", marker.DownloadPhase.BytesDownloaded)

	return dataFiles, nil
}

// ParseChecksumManifest parses `<sha256>  <filename>` lines into a filename
// to expected-hash map.
func (ds *DownloadService) ParseChecksumManifest(path string) (map[string]string, error) {
	log := ds.log.Function("ParseChecksumManifest")

	file, err := os.Open(path)
	if err != nil {
		return nil, log.Err("failed to open checksum manifest", err, "path", path)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn("failed to close checksum manifest", "error", closeErr)
		}
	}()

	checksums := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			log.Warn("skipping malformed line in checksum manifest", "line", line)
			continue
		}

		checksums[parts[1]] = parts[0]
	}

	if err := scanner.Err(); err != nil {
		return nil, log.Err("error reading checksum manifest", err, "path", path)
	}

	if len(checksums) == 0 {
		return nil, log.Err(
			"no valid checksums found in manifest",
			fmt.Errorf("empty or invalid manifest"),
			"path", path,
		)
	}

	log.Info("Parsed checksum manifest", "path", path, "entries", len(checksums))
	return checksums, nil
}

// ValidateFileChecksum streams a file through SHA-256 and compares against
// the expected manifest hash. Mismatch returns ErrChecksum.
func (ds *DownloadService) ValidateFileChecksum(filePath, expectedChecksum string) error {
	log := ds.log.Function("ValidateFileChecksum")

	computed, err := ComputeFileChecksum(filePath)
	if err != nil {
		return log.Err("failed to compute file checksum", err, "filePath", filePath)
	}

	if !strings.EqualFold(computed, expectedChecksum) {
		return log.Err("checksum validation failed",
			fmt.Errorf("%w: computed %s, expected %s", ErrChecksum, computed, expectedChecksum),
			"filePath", filePath,
			"computed", computed,
			"expected", expectedChecksum)
	}

	return nil
}

// ComputeFileChecksum returns the hex SHA-256 of a file's contents.
func ComputeFileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// downloadFile streams one remote key to disk with chunked writes, stall
// detection, and periodic progress callbacks.
func (ds *DownloadService) downloadFile(
	ctx context.Context,
	key, targetFile, version string,
	progress func(downloaded, total int64),
) error {
	log := ds.log.Function("downloadFile")

	downloadURL := buildDownloadURL(ds.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return log.Err("failed to create HTTP request", err, "url", downloadURL)
	}
	req.Header.Set("User-Agent", DiscogsUserAgent)

	resp, err := ds.httpClient.Do(req)
	if err != nil {
		return log.Err("HTTP request failed", err, "url", downloadURL)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return log.Err("HTTP request failed",
			fmt.Errorf("status code: %d", resp.StatusCode),
			"url", downloadURL,
			"statusCode", resp.StatusCode)
	}

	outFile, err := os.Create(targetFile)
	if err != nil {
		return log.Err("failed to create target file", err, "targetFile", targetFile)
	}
	defer func() {
		if closeErr := outFile.Close(); closeErr != nil {
			log.Warn("failed to close target file", "error", closeErr, "targetFile", targetFile)
		}
	}()

	contentLength := resp.ContentLength
	downloaded := int64(0)
	lastProgressTime := time.Now()
	lastLogTime := time.Now()
	stallTimeout := time.Duration(DiscogsStallTimeoutSec) * time.Second

	buffer := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return log.Err("download cancelled", ctx.Err())
		default:
		}

		if time.Since(lastProgressTime) > stallTimeout {
			return log.Err("download stalled, no progress detected",
				fmt.Errorf("no progress for %d seconds", DiscogsStallTimeoutSec),
				"url", downloadURL,
				"downloaded", downloaded)
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := outFile.Write(buffer[:n]); writeErr != nil {
				return log.Err("failed to write to file", writeErr, "targetFile", targetFile)
			}

			downloaded += int64(n)
			lastProgressTime = time.Now()

			now := time.Now()
			if now.Sub(lastLogTime) >= 30*time.Second {
				ds.logDownloadProgress(contentLength, downloaded, targetFile)
				if progress != nil {
					progress(downloaded, contentLength)
				}
				lastLogTime = now
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return log.Err("failed to read response body", readErr, "url", downloadURL)
		}
	}

	if progress != nil {
		progress(downloaded, contentLength)
	}

	log.Info("File download completed",
		"targetFile", targetFile,
		"size", downloaded,
		"version", version)

	return nil
}

func buildDownloadURL(baseURL, key string) string {
	return fmt.Sprintf("%s?download=%s", baseURL, url.QueryEscape(key))
}

func (ds *DownloadService) logDownloadProgress(contentLength, downloaded int64, target string) {
	if contentLength > 0 {
		percentage := float64(downloaded) / float64(contentLength) * 100
		ds.log.Info("Download progress",
			"target", target,
			"downloaded", downloaded,
			"total", contentLength,
			"percentage", fmt.Sprintf("%.1f%%", percentage))
	} else {
		ds.log.Info("Download progress",
			"target", target,
			"downloaded", downloaded,
			"total", "unknown")
	}
}

// ensureDirectory creates directory if it doesn't exist
func ensureDirectory(dir string, logger logger.Logger) error {
	log := logger.Function("ensureDirectory")

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return log.Err("failed to create directory", err, "directory", dir)
		}
		log.Info("Created snapshot directory", "directory", dir)
	}
	return nil
}
