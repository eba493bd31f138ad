package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	logger "github.com/Bparsons0904/goLogger"
)

// RemoteFile is one entry scraped from the publisher's catalog listing.
type RemoteFile struct {
	// Key is the url-encoded download key, e.g. data/2026/discogs_20260101_artists.xml.gz
	Key     string `json:"key"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LocalFileInfo records a verified download so later runs can skip
// byte-identical files.
type LocalFileInfo struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Version  string `json:"version"`
	Size     int64  `json:"size"`
}

// DownloadMetadata maps filename to its verified local file info.
type DownloadMetadata map[string]LocalFileInfo

const downloadMetadataFile = ".discogs_metadata.json"

func MetadataPath(discogsRoot string) string {
	return filepath.Join(discogsRoot, downloadMetadataFile)
}

// LoadDownloadMetadata reads the local metadata cache. Missing or corrupt
// metadata just means nothing can be skipped.
func LoadDownloadMetadata(discogsRoot string, log logger.Logger) DownloadMetadata {
	data, err := os.ReadFile(MetadataPath(discogsRoot))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Failed to read download metadata", "error", err)
		}
		return DownloadMetadata{}
	}

	var metadata DownloadMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		log.Warn("Failed to parse download metadata", "error", err)
		return DownloadMetadata{}
	}

	return metadata
}

func (m DownloadMetadata) Save(discogsRoot string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal download metadata: %w", err)
	}

	if err := os.WriteFile(MetadataPath(discogsRoot), data, 0644); err != nil {
		return fmt.Errorf("failed to write download metadata: %w", err)
	}

	return nil
}

// Versions returns the distinct snapshot versions present in the metadata,
// most recent first.
func (m DownloadMetadata) Versions() []string {
	seen := make(map[string]bool)
	var versions []string
	for _, info := range m {
		if !seen[info.Version] {
			seen[info.Version] = true
			versions = append(versions, info.Version)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

// SnapshotFiles returns the expected file set for a version: the checksum
// manifest first, then the four data files.
func SnapshotFiles(version string) []string {
	prefix := fmt.Sprintf("discogs_%s", version)
	files := []string{fmt.Sprintf("%s_CHECKSUM.txt", prefix)}
	for _, dataType := range AllDataTypes {
		files = append(files, fmt.Sprintf("%s_%s.xml.gz", prefix, dataType))
	}
	return files
}

// SnapshotDataFiles returns only the four data filenames for a version.
func SnapshotDataFiles(version string) []string {
	return SnapshotFiles(version)[1:]
}

func ChecksumFilename(version string) string {
	return fmt.Sprintf("discogs_%s_CHECKSUM.txt", version)
}
