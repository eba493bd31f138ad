package services

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"shellac/config"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// FileCleanupService removes snapshot files and markers for versions older
// than the configured number of kept versions.
type FileCleanupService struct {
	config config.Config
	log    logger.Logger
}

func NewFileCleanupService(config config.Config) *FileCleanupService {
	return &FileCleanupService{
		config: config,
		log:    logger.New("fileCleanupService"),
	}
}

type StoredFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Version    string    `json:"version,omitempty"`
}

// ListStoredFiles inventories the snapshot directory.
func (fcs *FileCleanupService) ListStoredFiles(ctx context.Context) ([]StoredFile, error) {
	log := fcs.log.Function("ListStoredFiles")

	root := fcs.config.DiscogsRoot
	if _, err := os.Stat(root); os.IsNotExist(err) {
		log.Info("Snapshot directory does not exist", "directory", root)
		return []StoredFile{}, nil
	}

	metadata := models.LoadDownloadMetadata(root, fcs.log)

	var files []StoredFile
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		var version string
		if entry, ok := metadata[info.Name()]; ok {
			version = entry.Version
		}

		files = append(files, StoredFile{
			Path:       relPath,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Version:    version,
		})
		return nil
	})
	if err != nil {
		return nil, log.Err("failed to walk snapshot directory", err, "directory", root)
	}

	log.Info("Listed stored files", "count", len(files))
	return files, nil
}

// CleanupOldVersions deletes every snapshot version beyond the most recent
// keepVersions, including its marker file. The metadata cache is rewritten
// to only reference surviving files.
func (fcs *FileCleanupService) CleanupOldVersions(ctx context.Context) error {
	log := fcs.log.Function("CleanupOldVersions")

	root := fcs.config.DiscogsRoot
	if _, err := os.Stat(root); os.IsNotExist(err) {
		log.Info("Snapshot directory does not exist, nothing to clean", "directory", root)
		return nil
	}

	keep := fcs.config.CleanupKeepVersions
	if keep < 1 {
		keep = 1
	}

	metadata := models.LoadDownloadMetadata(root, fcs.log)
	versions := metadata.Versions()
	if len(versions) <= keep {
		log.Info("No stale versions to clean", "versions", len(versions), "keep", keep)
		return nil
	}

	stale := versions[keep:]
	var removed int
	for _, version := range stale {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for _, filename := range models.SnapshotFiles(version) {
			path := filepath.Join(root, filename)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Er("failed to remove snapshot file", err, "path", path)
				continue
			}
			removed++
			delete(metadata, filename)
		}

		markerPath := models.MarkerPath(root, version)
		if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
			log.Er("failed to remove state marker", err, "path", markerPath)
		}

		log.Info("Removed stale snapshot version", "version", version)
	}

	if err := metadata.Save(root); err != nil {
		log.Warn("Failed to rewrite download metadata", "error", err)
	}

	log.Info("Cleanup complete",
		"versionsRemoved", len(stale),
		"filesRemoved", removed,
		"versionsKept", keep)
	return nil
}
